// Package files provides crash-safe writes and discovery of license
// artifacts on disk.
package files
