// Package watch turns filesystem event bursts into single run requests.
//
// Each rule gets its own fsnotify watcher and its own settle window: every
// event under the rule's paths pushes the run deadline out, and the command
// is submitted only once events have been quiet for the window. Watchers
// self-heal with jittered backoff when the backend breaks.
package watch
