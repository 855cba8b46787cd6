// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package observe tracks the observations a client serves.
//
// A Watcher is created for every GET carrying Observe=0 and remembers the
// token, the observed URI, the last notified value and the Observe
// counter. Notification attributes (pmin, pmax, gt, lt, st) are set with
// Write-Attributes on the object, instance or resource level and inherited
// downwards. The Registry decides which watchers are due on each step and
// when it next needs to run.
package observe
