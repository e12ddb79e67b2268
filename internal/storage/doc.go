// Package storage persists notifications and everything derived from them:
// records with conditional delivered/read transitions, per-user preferences
// (defaults synthesized until first set), per (user, category) delivery
// statistics, user activity timestamps and registered push devices.
package storage
