package sync

import (
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternmail/tern/db"
)

func localRow(id int64, folder string, uidValidity uint32, uid imap.UID, identity string) db.LocalRecord {
	return db.LocalRecord{
		ID:             id,
		AccountID:      1,
		Folder:         folder,
		UIDValidity:    uidValidity,
		UID:            uid,
		StableIdentity: identity,
	}
}

func mirrorRowAt(id int64, folder string, uidValidity uint32, uid imap.UID, identity string) db.MirrorRecord {
	return db.MirrorRecord{
		ID:             id,
		AccountID:      1,
		Folder:         folder,
		UIDValidity:    uidValidity,
		UID:            uid,
		StableIdentity: identity,
	}
}

func TestBuildReconcilePlanAlignedStateIsStable(t *testing.T) {
	mirror := []db.MirrorRecord{mirrorRowAt(10, "INBOX", 100, 5, "a@example.com")}
	locals := []db.LocalRecord{localRow(1, "INBOX", 100, 5, "a@example.com")}

	plan := BuildReconcilePlan(mirror, locals)

	assert.Empty(t, plan.DuplicatePrunes)
	assert.Empty(t, plan.Moves)
	assert.Empty(t, plan.FlagSyncs)
	assert.Empty(t, plan.Deletes)
	assert.Empty(t, plan.Anomalies)
	// Linking is re-asserted every pass; it is idempotent.
	assert.Equal(t, []LinkUpdate{{MirrorID: 10, LocalID: 1}}, plan.Links)
}

func TestBuildReconcilePlanDuplicateSurvivorMatchesMirror(t *testing.T) {
	mirror := []db.MirrorRecord{mirrorRowAt(10, "Archive", 100, 7, "a@example.com")}
	locals := []db.LocalRecord{
		localRow(1, "INBOX", 100, 5, "a@example.com"),   // stale copy
		localRow(2, "Archive", 100, 7, "a@example.com"), // matches the mirror
	}

	plan := BuildReconcilePlan(mirror, locals)

	assert.Equal(t, []int64{1}, plan.DuplicatePrunes)
	assert.Empty(t, plan.Moves)
	assert.Empty(t, plan.Deletes)
	assert.Empty(t, plan.Anomalies)
	assert.Equal(t, []LinkUpdate{{MirrorID: 10, LocalID: 2}}, plan.Links)
}

func TestBuildReconcilePlanDuplicateNoSurvivor(t *testing.T) {
	// Neither copy matches where the server says the message is. Prune both;
	// the next scan and fetch rebuild the record cleanly.
	mirror := []db.MirrorRecord{mirrorRowAt(10, "Archive", 100, 7, "a@example.com")}
	locals := []db.LocalRecord{
		localRow(1, "INBOX", 100, 5, "a@example.com"),
		localRow(2, "Sent", 100, 9, "a@example.com"),
	}

	plan := BuildReconcilePlan(mirror, locals)

	assert.ElementsMatch(t, []int64{1, 2}, plan.DuplicatePrunes)
	assert.Empty(t, plan.Links)
	assert.Equal(t, []string{"a@example.com"}, plan.Anomalies)
}

func TestBuildReconcilePlanMovePropagation(t *testing.T) {
	mirror := []db.MirrorRecord{mirrorRowAt(10, "Archive", 100, 31, "a@example.com")}
	locals := []db.LocalRecord{localRow(1, "INBOX", 100, 5, "a@example.com")}

	plan := BuildReconcilePlan(mirror, locals)

	require.Len(t, plan.Moves, 1)
	assert.Equal(t, LocationUpdate{LocalID: 1, Folder: "Archive", UIDValidity: 100, UID: 31}, plan.Moves[0])
	assert.Empty(t, plan.Deletes)
}

func TestBuildReconcilePlanUIDValidityReset(t *testing.T) {
	// The folder was rebuilt server-side: same folder, new UIDVALIDITY, new
	// UIDs. Identity carries the record across the epoch change.
	mirror := []db.MirrorRecord{mirrorRowAt(10, "INBOX", 200, 1, "a@example.com")}
	locals := []db.LocalRecord{localRow(1, "INBOX", 100, 5, "a@example.com")}

	plan := BuildReconcilePlan(mirror, locals)

	require.Len(t, plan.Moves, 1)
	assert.Equal(t, uint32(200), plan.Moves[0].UIDValidity)
	assert.Equal(t, imap.UID(1), plan.Moves[0].UID)
	assert.Empty(t, plan.Deletes)
}

func TestBuildReconcilePlanDeletion(t *testing.T) {
	locals := []db.LocalRecord{localRow(1, "INBOX", 100, 5, "gone@example.com")}

	plan := BuildReconcilePlan(nil, locals)

	assert.Equal(t, []int64{1}, plan.Deletes)
	assert.Empty(t, plan.Moves)
	assert.Empty(t, plan.Links)
}

func TestBuildReconcilePlanFlagSync(t *testing.T) {
	m := mirrorRowAt(10, "INBOX", 100, 5, "a@example.com")
	m.Flags = "\\Seen \\Flagged"
	local := localRow(1, "INBOX", 100, 5, "a@example.com")
	local.Flags = db.FlagSeen

	plan := BuildReconcilePlan([]db.MirrorRecord{m}, []db.LocalRecord{local})

	require.Len(t, plan.FlagSyncs, 1)
	assert.Equal(t, FlagUpdate{LocalID: 1, Flags: db.FlagSeen | db.FlagFlagged}, plan.FlagSyncs[0])
}

func TestBuildReconcilePlanMultiFolderCopyPrefersCurrentLocation(t *testing.T) {
	// One identity in two folders: the record follows the row matching its
	// current location and does not bounce between copies.
	mirror := []db.MirrorRecord{
		mirrorRowAt(10, "Archive", 100, 3, "a@example.com"),
		mirrorRowAt(11, "INBOX", 100, 5, "a@example.com"),
	}
	locals := []db.LocalRecord{localRow(1, "INBOX", 100, 5, "a@example.com")}

	plan := BuildReconcilePlan(mirror, locals)

	assert.Empty(t, plan.Moves)
	assert.Equal(t, []LinkUpdate{{MirrorID: 11, LocalID: 1}}, plan.Links)
}

func TestBuildReconcilePlanIdentitylessTrackedByLocation(t *testing.T) {
	present := localRow(1, "INBOX", 100, 5, "")
	gone := localRow(2, "INBOX", 100, 6, "")
	mirror := []db.MirrorRecord{mirrorRowAt(10, "INBOX", 100, 5, "")}

	plan := BuildReconcilePlan(mirror, []db.LocalRecord{present, gone})

	assert.Equal(t, []int64{2}, plan.Deletes)
	assert.Equal(t, []LinkUpdate{{MirrorID: 10, LocalID: 1}}, plan.Links)
	assert.Empty(t, plan.DuplicatePrunes, "identity-less records never form duplicate groups")
}
