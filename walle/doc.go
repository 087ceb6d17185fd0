// Package walle implements the leveling ledger and profile reconciliation
// for a Discord guild bot.
//
// Members earn XP for activity, rate limited by a per-member cooldown.
// Cumulative points map onto a level table, where each level may be bound
// to a Discord role granted when a member reaches it. Separately, a
// scheduler walks members in buckets and reconciles each stored profile
// (username, nickname, avatar) against what Discord reports, mirroring
// avatars to a channel so the stored URL stays valid.
//
// Key components of the package include:
//
//   - WallE: Wires everything together and runs the background workers.
//   - Ledger: Grants XP, computes ranks and backfills imported members.
//   - LevelStore: The level table and its role bindings.
//   - Reconciler: Compares and persists a single member's profile.
//   - ProfileScheduler: Chooses which members to reconcile on each tick.
//   - RuntimeConfigStore: Settings that can change without a restart.
//   - API: The backend HTTP API.
//   - CommandStats and EmbedAvatars: Command usage counts and mirrored
//     embed avatars.
//
// Data is stored with GORM, in either SQLite or PostgreSQL. With
// PostgreSQL, LISTEN/NOTIFY announces queued members and runtime config
// changes to every running instance.
package walle
