package sync

import (
	"fmt"
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternmail/tern/db"
	"github.com/ternmail/tern/remote"
)

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("thread-%d", n)
	}
}

func threadedLocal(id int64, uid uint32, messageID, inReplyTo string) db.LocalRecord {
	return db.LocalRecord{
		ID:        id,
		Folder:    "INBOX",
		UID:       imap.UID(uid),
		MessageID: messageID,
		InReplyTo: inReplyTo,
	}
}

func TestResolveThreadPlanServerTree(t *testing.T) {
	locals := []db.LocalRecord{
		threadedLocal(1, 10, "a@example.com", ""),
		threadedLocal(2, 11, "b@example.com", ""),
		threadedLocal(3, 12, "c@example.com", ""),
	}
	trees := map[string][]*remote.ThreadNode{
		"INBOX": {
			{UID: 10, Children: []*remote.ThreadNode{
				{UID: 11, Children: []*remote.ThreadNode{{UID: 12}}},
			}},
		},
	}

	decisions := ResolveThreadPlan(locals, trees, sequentialIDs())
	require.Len(t, decisions, 3)

	root := decisions[1]
	child := decisions[2]
	grandchild := decisions[3]

	assert.Nil(t, root.ParentUID)
	assert.Equal(t, root.ThreadID, child.ThreadID)
	assert.Equal(t, root.ThreadID, grandchild.ThreadID)
	require.NotNil(t, child.ParentUID)
	assert.Equal(t, int64(10), *child.ParentUID)
	require.NotNil(t, grandchild.ParentUID)
	assert.Equal(t, int64(11), *grandchild.ParentUID)
}

func TestResolveThreadPlanChainsWinOverServer(t *testing.T) {
	// The server groups Y under X, but Y's In-Reply-To names Z. The header
	// chain is authoritative.
	locals := []db.LocalRecord{
		threadedLocal(1, 1, "x@example.com", ""),
		threadedLocal(2, 2, "y@example.com", "z@example.com"),
		threadedLocal(3, 3, "z@example.com", ""),
	}
	trees := map[string][]*remote.ThreadNode{
		"INBOX": {
			{UID: 1, Children: []*remote.ThreadNode{{UID: 2}}},
			{UID: 3},
		},
	}

	decisions := ResolveThreadPlan(locals, trees, sequentialIDs())

	y := decisions[2]
	z := decisions[3]
	assert.Equal(t, z.ThreadID, y.ThreadID)
	require.NotNil(t, y.ParentUID)
	assert.Equal(t, int64(3), *y.ParentUID)
	assert.NotEqual(t, decisions[1].ThreadID, y.ThreadID)
}

func TestResolveThreadPlanBrokenReference(t *testing.T) {
	// C replies to B, which was never fetched. C starts its own thread
	// instead of being guessed into A's.
	locals := []db.LocalRecord{
		threadedLocal(1, 1, "a@example.com", ""),
		threadedLocal(2, 3, "c@example.com", "b@example.com"),
	}

	decisions := ResolveThreadPlan(locals, nil, sequentialIDs())

	c := decisions[2]
	assert.Nil(t, c.ParentUID)
	assert.NotEqual(t, decisions[1].ThreadID, c.ThreadID)
	assert.NotEmpty(t, c.ThreadID)
}

func TestResolveThreadPlanChainInheritance(t *testing.T) {
	locals := []db.LocalRecord{
		threadedLocal(1, 1, "root@example.com", ""),
		threadedLocal(2, 2, "mid@example.com", "root@example.com"),
		threadedLocal(3, 3, "leaf@example.com", "mid@example.com"),
	}

	decisions := ResolveThreadPlan(locals, nil, sequentialIDs())

	root := decisions[1]
	mid := decisions[2]
	leaf := decisions[3]

	assert.Equal(t, root.ThreadID, mid.ThreadID)
	assert.Equal(t, root.ThreadID, leaf.ThreadID)
	require.NotNil(t, mid.ParentUID)
	assert.Equal(t, int64(1), *mid.ParentUID)
	require.NotNil(t, leaf.ParentUID)
	assert.Equal(t, int64(2), *leaf.ParentUID)
}

func TestResolveThreadPlanReplyBeforeBrokenParent(t *testing.T) {
	// C replies to B; B's own reference is broken. With C's record ordered
	// before B's, both must still land in one thread: B's broken-reference
	// verdict keeps the id the chain pass already gave it.
	locals := []db.LocalRecord{
		threadedLocal(3, 3, "c@example.com", "b@example.com"),
		threadedLocal(2, 2, "b@example.com", "missing@example.com"),
	}

	decisions := ResolveThreadPlan(locals, nil, sequentialIDs())

	b := decisions[2]
	c := decisions[3]
	assert.Equal(t, b.ThreadID, c.ThreadID)
	assert.Nil(t, b.ParentUID)
	require.NotNil(t, c.ParentUID)
	assert.Equal(t, int64(2), *c.ParentUID)

	// The reverse order produces the same grouping.
	reversed := []db.LocalRecord{locals[1], locals[0]}
	again := ResolveThreadPlan(reversed, nil, sequentialIDs())
	assert.Equal(t, again[2].ThreadID, again[3].ThreadID)
	assert.Nil(t, again[2].ParentUID)
}

func TestResolveThreadPlanBrokenRootLeavesServerTree(t *testing.T) {
	// The server groups B (and transitively its reply C) under A, but B's
	// In-Reply-To names a message that is not local. B and C form their own
	// thread; neither is attached to A.
	locals := []db.LocalRecord{
		threadedLocal(1, 1, "a@example.com", ""),
		threadedLocal(2, 2, "b@example.com", "missing@example.com"),
		threadedLocal(3, 3, "c@example.com", "b@example.com"),
	}
	trees := map[string][]*remote.ThreadNode{
		"INBOX": {
			{UID: 1, Children: []*remote.ThreadNode{
				{UID: 2, Children: []*remote.ThreadNode{{UID: 3}}},
			}},
		},
	}

	decisions := ResolveThreadPlan(locals, trees, sequentialIDs())

	a := decisions[1]
	b := decisions[2]
	c := decisions[3]
	assert.Equal(t, b.ThreadID, c.ThreadID)
	assert.NotEqual(t, a.ThreadID, b.ThreadID)
	assert.Nil(t, b.ParentUID)
	require.NotNil(t, c.ParentUID)
	assert.Equal(t, int64(2), *c.ParentUID)
}

func TestResolveThreadPlanCycleTerminates(t *testing.T) {
	// Mutually referencing messages exist in the wild. The resolver must
	// terminate and give both a decision.
	locals := []db.LocalRecord{
		threadedLocal(1, 1, "a@example.com", "b@example.com"),
		threadedLocal(2, 2, "b@example.com", "a@example.com"),
	}

	decisions := ResolveThreadPlan(locals, nil, sequentialIDs())

	require.Len(t, decisions, 2)
	assert.NotEmpty(t, decisions[1].ThreadID)
	assert.NotEmpty(t, decisions[2].ThreadID)
}

func TestResolveThreadPlanStandalone(t *testing.T) {
	locals := []db.LocalRecord{
		threadedLocal(1, 1, "solo@example.com", ""),
		threadedLocal(2, 2, "", ""),
	}

	decisions := ResolveThreadPlan(locals, nil, sequentialIDs())

	require.Len(t, decisions, 2)
	assert.NotEmpty(t, decisions[1].ThreadID)
	assert.NotEmpty(t, decisions[2].ThreadID)
	assert.NotEqual(t, decisions[1].ThreadID, decisions[2].ThreadID)
}

func TestResolveThreadPlanRepeatedServerNode(t *testing.T) {
	locals := []db.LocalRecord{threadedLocal(1, 10, "a@example.com", "")}
	trees := map[string][]*remote.ThreadNode{
		"INBOX": {
			{UID: 10},
			{UID: 10}, // server bug: same UID in two trees
		},
	}

	decisions := ResolveThreadPlan(locals, trees, sequentialIDs())
	require.Len(t, decisions, 1)
	assert.NotEmpty(t, decisions[1].ThreadID)
}
