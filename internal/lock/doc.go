// Package lock provides the object lock manager used by index and
// transaction code for two-phase locking.
//
// A lock names a Unit: a class identifier plus an object OID. A Unit
// with the nil OID locks the whole class. Class units are normally
// taken in intention modes (IntentShared, IntentExclusive) so that
// per-object locks under the class coexist with class-level ones; a
// class unit taken in Shared or Exclusive mode covers every object of
// the class at once, which is how lock escalation is expressed.
//
// The manager only grants, blocks, and releases. Lock duration is the
// caller's protocol: transaction code releases everything through
// ReleaseAll at commit or abort, and instant-duration locks are an
// acquire followed by Unlock. Waits are bounded by a timeout, so a
// deadlock cycle resolves as ErrLockTimeout for one of the parties,
// and a waiting transaction can be interrupted through CancelWaits,
// which fails the wait with ErrAborted.
package lock
