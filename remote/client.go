package remote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
	"github.com/ternmail/tern/config"
	"github.com/ternmail/tern/consts"
	"github.com/ternmail/tern/logger"
	"github.com/ternmail/tern/pkg/circuitbreaker"
	"github.com/ternmail/tern/pkg/retry"
)

// Client is the production Session implementation backed by go-imap.
type Client struct {
	account   config.AccountConfig
	cli       *imapclient.Client
	caps      imap.CapSet
	batchSize int
	selected  string
	tail      *responseTail
}

// responseTailSize bounds how much recent protocol text is kept for
// re-parsing response codes the structured decoder did not surface.
const responseTailSize = 4096

// responseTail is an io.Writer keeping the most recent protocol bytes. The
// client's reader goroutine writes concurrently with command completions, so
// access is locked.
type responseTail struct {
	mu  sync.Mutex
	buf []byte
}

func (t *responseTail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if overflow := len(t.buf) - responseTailSize; overflow > 0 {
		t.buf = t.buf[overflow:]
	}
	return len(p), nil
}

func (t *responseTail) Text() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

func (t *responseTail) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = t.buf[:0]
}

// DialOptions tunes connection establishment.
type DialOptions struct {
	// FetchBatchSize bounds UIDs per envelope FETCH. Defaults to 500.
	FetchBatchSize int
	// Breaker, when set, gates dial attempts so a dead server does not
	// burn a retry budget every cycle.
	Breaker *circuitbreaker.CircuitBreaker
}

// Dial connects and authenticates a session for one account. Transient dial
// failures are retried with backoff; authentication failures are not.
func Dial(ctx context.Context, account config.AccountConfig, opts DialOptions) (*Client, error) {
	c := &Client{
		account:   account,
		batchSize: opts.FetchBatchSize,
		tail:      &responseTail{},
	}
	if c.batchSize <= 0 {
		c.batchSize = 500
	}

	dial := func() error {
		return c.connect(ctx)
	}
	wrapped := dial
	if opts.Breaker != nil {
		wrapped = func() error {
			err := opts.Breaker.Execute(dial)
			if err == circuitbreaker.ErrOpen || err == circuitbreaker.ErrTooManyRequests {
				return retry.Stop(fmt.Errorf("%w: %v", consts.ErrTransientNetwork, err))
			}
			return err
		}
	}

	if err := retry.WithRetry(ctx, wrapped, retry.DefaultPolicy()); err != nil {
		return nil, fmt.Errorf("account %d: %w", account.ID, err)
	}
	return c, nil
}

func (c *Client) connect(ctx context.Context) error {
	addr := c.account.Addr()
	logger.DebugContext(ctx, "Remote: connecting", "account_id", c.account.ID, "addr", addr, "tls", c.account.TLS)

	options := &imapclient.Options{DebugWriter: c.tail}
	var cli *imapclient.Client
	var err error
	if c.account.TLS {
		cli, err = imapclient.DialTLS(addr, options)
	} else {
		cli, err = imapclient.DialInsecure(addr, options)
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	var saslClient sasl.Client
	switch c.account.Mechanism {
	case "", "plain":
		saslClient = sasl.NewPlainClient("", c.account.Username, c.account.Password)
	case "login":
		saslClient = sasl.NewLoginClient(c.account.Username, c.account.Password)
	default:
		cli.Close()
		return retry.Stop(fmt.Errorf("unknown SASL mechanism %q", c.account.Mechanism))
	}

	if err := cli.Authenticate(saslClient); err != nil {
		cli.Close()
		// Bad credentials will not fix themselves in a retry loop.
		return retry.Stop(fmt.Errorf("authentication failed for %s: %w", c.account.Username, err))
	}

	c.cli = cli
	c.caps = cli.Caps()
	return nil
}

func (c *Client) Close() error {
	if c.cli == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() {
		done <- c.cli.Logout().Wait()
	}()
	select {
	case err := <-done:
		if err != nil {
			logger.Debug("Remote: logout failed, closing connection", "account_id", c.account.ID, "error", err)
		}
	case <-time.After(2 * time.Second):
		logger.Debug("Remote: logout timed out, closing connection", "account_id", c.account.ID)
	}
	err := c.cli.Close()
	c.cli = nil
	return err
}

func (c *Client) SupportsUIDPlus() bool {
	return c.caps.Has(imap.CapUIDPlus)
}

func (c *Client) SupportsThread() bool {
	for _, algo := range c.caps.ThreadAlgorithms() {
		if algo == imap.ThreadReferences {
			return true
		}
	}
	return false
}

func (c *Client) ListFolders(ctx context.Context) ([]Folder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	boxes, err := c.cli.List("", "*", nil).Collect()
	if err != nil {
		return nil, fmt.Errorf("%w: LIST failed: %v", consts.ErrTransientNetwork, err)
	}

	folders := make([]Folder, 0, len(boxes))
	for _, box := range boxes {
		selectable := true
		for _, attr := range box.Attrs {
			if attr == imap.MailboxAttrNoSelect || attr == imap.MailboxAttrNonExistent {
				selectable = false
				break
			}
		}
		if !selectable {
			continue
		}
		folders = append(folders, Folder{
			Name:  box.Mailbox,
			Delim: box.Delim,
			Attrs: box.Attrs,
		})
	}
	return folders, nil
}

func (c *Client) Select(ctx context.Context, folder string) (uint32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	data, err := c.cli.Select(folder, nil).Wait()
	if err != nil {
		return 0, fmt.Errorf("select %s: %w: %v", folder, consts.ErrFolderNotFound, err)
	}
	c.selected = folder
	return data.UIDValidity, nil
}

func (c *Client) SearchAll(ctx context.Context) ([]imap.UID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := c.cli.UIDSearch(&imap.SearchCriteria{}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("%w: UID SEARCH failed in %s: %v", consts.ErrTransientNetwork, c.selected, err)
	}
	return data.AllUIDs(), nil
}

func (c *Client) FetchEnvelopes(ctx context.Context, uids []imap.UID) ([]MessageMeta, error) {
	metas := make([]MessageMeta, 0, len(uids))
	for start := 0; start < len(uids); start += c.batchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		end := start + c.batchSize
		if end > len(uids) {
			end = len(uids)
		}
		uidSet := imap.UIDSetNum(uids[start:end]...)

		msgs, err := c.cli.Fetch(uidSet, &imap.FetchOptions{
			UID:      true,
			Envelope: true,
			Flags:    true,
		}).Collect()
		if err != nil {
			return nil, fmt.Errorf("%w: envelope fetch failed in %s: %v", consts.ErrTransientNetwork, c.selected, err)
		}

		for _, msg := range msgs {
			metas = append(metas, MessageMeta{
				UID:      msg.UID,
				Envelope: msg.Envelope,
				Flags:    msg.Flags,
			})
		}
	}
	return metas, nil
}

func (c *Client) FetchMessage(ctx context.Context, uid imap.UID) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	section := &imap.FetchItemBodySection{}
	msgs, err := c.cli.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{
		UID:         true,
		Envelope:    true,
		Flags:       true,
		BodySection: []*imap.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		return nil, fmt.Errorf("%w: message fetch failed for uid %d: %v", consts.ErrTransientNetwork, uid, err)
	}
	if len(msgs) == 0 {
		// The message was expunged between scan and fetch.
		return nil, fmt.Errorf("uid %d in %s: %w", uid, c.selected, consts.ErrFolderNotFound)
	}

	msg := msgs[0]
	return &Message{
		MessageMeta: MessageMeta{
			UID:      msg.UID,
			Envelope: msg.Envelope,
			Flags:    msg.Flags,
		},
		Raw: msg.FindBodySection(section),
	}, nil
}

func (c *Client) Copy(ctx context.Context, uids imap.UIDSet, dest string) (*UIDRemap, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.tail.Reset()
	data, err := c.cli.Copy(uids, dest).Wait()
	if err != nil {
		return nil, fmt.Errorf("%w: COPY to %s failed: %v", consts.ErrTransientNetwork, dest, err)
	}
	if data != nil && c.SupportsUIDPlus() {
		remap, err := RemapFromSets(data.UIDValidity, data.SourceUIDs, data.DestUIDs)
		if err != nil {
			return nil, err
		}
		if remap != nil {
			return remap, nil
		}
	}
	// Some servers put COPYUID where the structured decoder does not look;
	// scan the raw response text before giving up on the hint.
	return ParseUIDRemap(c.tail.Text()), nil
}

func (c *Client) Move(ctx context.Context, uids imap.UIDSet, dest string) (*UIDRemap, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.tail.Reset()
	data, err := c.cli.Move(uids, dest).Wait()
	if err != nil {
		return nil, fmt.Errorf("%w: MOVE to %s failed: %v", consts.ErrTransientNetwork, dest, err)
	}
	if data != nil {
		// MOVE reports COPYUID sets as generic NumSets.
		source, sourceOK := data.SourceUIDs.(imap.UIDSet)
		destSet, destOK := data.DestUIDs.(imap.UIDSet)
		if sourceOK && destOK {
			remap, err := RemapFromSets(data.UIDValidity, source, destSet)
			if err != nil {
				return nil, err
			}
			if remap != nil {
				return remap, nil
			}
		}
	}
	return ParseUIDRemap(c.tail.Text()), nil
}

func (c *Client) StoreFlags(ctx context.Context, uids imap.UIDSet, op FlagsOp, flags []imap.Flag) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var storeOp imap.StoreFlagsOp
	switch op {
	case FlagsAdd:
		storeOp = imap.StoreFlagsAdd
	case FlagsDel:
		storeOp = imap.StoreFlagsDel
	case FlagsSet:
		storeOp = imap.StoreFlagsSet
	}

	err := c.cli.Store(uids, &imap.StoreFlags{
		Op:     storeOp,
		Silent: true,
		Flags:  flags,
	}, nil).Close()
	if err != nil {
		return fmt.Errorf("%w: STORE failed in %s: %v", consts.ErrTransientNetwork, c.selected, err)
	}
	return nil
}

func (c *Client) Expunge(ctx context.Context, uids imap.UIDSet) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var err error
	if c.SupportsUIDPlus() {
		err = c.cli.UIDExpunge(uids).Close()
	} else {
		// Without UIDPLUS the expunge covers every \Deleted message in
		// the folder, not just ours.
		err = c.cli.Expunge().Close()
	}
	if err != nil {
		return fmt.Errorf("%w: EXPUNGE failed in %s: %v", consts.ErrTransientNetwork, c.selected, err)
	}
	return nil
}

func (c *Client) Thread(ctx context.Context) ([]*ThreadNode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.SupportsThread() {
		return nil, fmt.Errorf("THREAD=REFERENCES: %w", consts.ErrCapabilityMissing)
	}

	data, err := c.cli.UIDThread(&imapclient.ThreadOptions{
		Algorithm:      imap.ThreadReferences,
		SearchCriteria: &imap.SearchCriteria{},
	}).Wait()
	if err != nil {
		return nil, fmt.Errorf("%w: THREAD failed in %s: %v", consts.ErrTransientNetwork, c.selected, err)
	}

	var roots []*ThreadNode
	for i := range data {
		roots = append(roots, threadNodes(&data[i])...)
	}
	return roots, nil
}

// threadNodes converts one THREAD response entry. Chain is a linear run of
// replies, so it unrolls into parent-child links, and the sub-threads branch
// from the chain's last message. An entry with no chain of its own hoists
// its sub-threads to the current level.
func threadNodes(t *imapclient.ThreadData) []*ThreadNode {
	nodes := make([]*ThreadNode, 0, len(t.SubThreads))
	for i := range t.SubThreads {
		nodes = append(nodes, threadNodes(&t.SubThreads[i])...)
	}
	for i := len(t.Chain) - 1; i >= 0; i-- {
		nodes = []*ThreadNode{{UID: imap.UID(t.Chain[i]), Children: nodes}}
	}
	return nodes
}
