package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/jason-merrell/grok-auto-retry-sub002/internal/page"
)

// rpcTimeout bounds how long a page command waits for the userscript's
// reply before the attempt is abandoned.
const rpcTimeout = 5 * time.Second

// wsMessage is the wire format in both directions. The userscript sends
// hello/mutation/navigation/generation/result; the server sends
// capture/restore/submit commands carrying an id the result echoes back.
type wsMessage struct {
	Type   string      `json:"type"`
	ID     uint64      `json:"id,omitempty"`
	PostID string      `json:"post_id,omitempty"`
	URL    string      `json:"url,omitempty"`
	Text   string      `json:"text,omitempty"`
	Kind   string      `json:"kind,omitempty"`
	OK     bool        `json:"ok,omitempty"`
	Error  string      `json:"error,omitempty"`
	Inputs []wireInput `json:"inputs,omitempty"`
}

// wireInput is one prompt input as reported by a capture result, in
// document order.
type wireInput struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

// events receives the page notifications a connected userscript streams in.
type events interface {
	onHello(c *Client, postID string)
	onMutation(c *Client, text string)
	onNavigation(c *Client, nav page.Navigation)
	onGeneration(c *Client)
	onClose(c *Client)
}

// Client is one connected userscript tab. It implements page.Surface by
// forwarding input reads, writes, and submits to the browser as
// id-correlated commands.
type Client struct {
	ws     *websocket.Conn
	ctx    context.Context
	logger *slog.Logger

	mu       sync.Mutex
	postID   string
	lastText string
	nextID   uint64
	pending  map[uint64]chan wsMessage
	closed   bool
}

func newClient(ctx context.Context, ws *websocket.Conn, logger *slog.Logger) *Client {
	return &Client{
		ws:      ws,
		ctx:     ctx,
		logger:  logger,
		pending: make(map[uint64]chan wsMessage),
	}
}

// run reads messages until the connection drops, dispatching notifications
// to ev and results to their waiting callers.
func (c *Client) run(ev events) {
	defer func() {
		c.mu.Lock()
		c.closed = true
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.mu.Unlock()
		ev.onClose(c)
	}()

	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				c.logger.Debug("userscript disconnected")
			} else if c.ctx.Err() == nil {
				c.logger.Warn("websocket read error", "error", err)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("malformed message from userscript", "error", err)
			continue
		}

		switch msg.Type {
		case "hello":
			c.mu.Lock()
			c.postID = msg.PostID
			c.mu.Unlock()
			ev.onHello(c, msg.PostID)
		case "mutation":
			c.mu.Lock()
			c.lastText = msg.Text
			c.mu.Unlock()
			ev.onMutation(c, msg.Text)
		case "navigation":
			postID := msg.PostID
			if postID == "" {
				postID = page.ParsePostID(msg.URL)
			}
			c.mu.Lock()
			c.postID = postID
			c.mu.Unlock()
			ev.onNavigation(c, page.Navigation{PostID: postID, URL: msg.URL, At: time.Now()})
		case "generation":
			ev.onGeneration(c)
		case "result":
			c.deliver(msg)
		default:
			c.logger.Debug("unknown message type", "type", msg.Type)
		}
	}
}

func (c *Client) deliver(msg wsMessage) {
	c.mu.Lock()
	ch, ok := c.pending[msg.ID]
	if ok {
		delete(c.pending, msg.ID)
	}
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("result for unknown command", "id", msg.ID)
		return
	}
	ch <- msg
	close(ch)
}

// call sends a command and waits for its result.
func (c *Client) call(cmd wsMessage) (wsMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return wsMessage{}, errors.New("connection closed")
	}
	c.nextID++
	cmd.ID = c.nextID
	ch := make(chan wsMessage, 1)
	c.pending[cmd.ID] = ch
	c.mu.Unlock()

	data, err := json.Marshal(cmd)
	if err != nil {
		return wsMessage{}, err
	}

	ctx, cancel := context.WithTimeout(c.ctx, rpcTimeout)
	defer cancel()

	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		c.mu.Lock()
		delete(c.pending, cmd.ID)
		c.mu.Unlock()
		return wsMessage{}, fmt.Errorf("send %s command: %w", cmd.Type, err)
	}

	select {
	case res, ok := <-ch:
		if !ok {
			return wsMessage{}, errors.New("connection closed")
		}
		return res, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, cmd.ID)
		c.mu.Unlock()
		return wsMessage{}, fmt.Errorf("%s command: %w", cmd.Type, ctx.Err())
	}
}

// Text returns the most recent page text snapshot streamed by the
// userscript.
func (c *Client) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastText
}

// PostID returns the post the tab currently shows.
func (c *Client) PostID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.postID
}

// Inputs asks the userscript for the prompt inputs currently on the page.
// A failed round trip reads as an input-less page.
func (c *Client) Inputs() []page.Input {
	res, err := c.call(wsMessage{Type: "capture"})
	if err != nil {
		c.logger.Warn("input capture failed", "error", err)
		return nil
	}
	inputs := make([]page.Input, 0, len(res.Inputs))
	for _, in := range res.Inputs {
		inputs = append(inputs, &remoteInput{client: c, kind: page.InputKind(in.Kind), value: in.Value})
	}
	return inputs
}

// Submit activates the page's generate control.
func (c *Client) Submit() error {
	res, err := c.call(wsMessage{Type: "submit"})
	if err != nil {
		return err
	}
	if !res.OK {
		if res.Error != "" {
			return errors.New(res.Error)
		}
		return errors.New("submit rejected by page")
	}
	return nil
}

// closeSuperseded closes a connection replaced by a newer tab.
func (c *Client) closeSuperseded() {
	_ = c.ws.Close(websocket.StatusPolicyViolation, "superseded by newer connection")
}

// remoteInput is one captured input. Value is the snapshot taken at capture
// time; SetValue writes through to the live control in the browser.
type remoteInput struct {
	client *Client
	kind   page.InputKind
	value  string
}

func (in *remoteInput) Kind() page.InputKind { return in.kind }

func (in *remoteInput) Value() (string, error) { return in.value, nil }

func (in *remoteInput) SetValue(text string) error {
	res, err := in.client.call(wsMessage{Type: "restore", Kind: string(in.kind), Text: text})
	if err != nil {
		return err
	}
	if !res.OK {
		if res.Error != "" {
			return errors.New(res.Error)
		}
		return fmt.Errorf("page rejected write to %s input", in.kind)
	}
	return nil
}

var _ page.Surface = (*Client)(nil)
var _ page.Input = (*remoteInput)(nil)

// Connected reports whether the client can still take commands.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}
