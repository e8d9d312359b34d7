package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"contact_chat/internal/model"
	"contact_chat/internal/protocol/sealedbox"
	"contact_chat/internal/protocol/session"
	"contact_chat/internal/repository/key"
	"contact_chat/internal/transport/wsclient"
	"contact_chat/internal/utils/log"

	"github.com/gdamore/tcell/v2"
	"github.com/pkg/errors"
	"github.com/rivo/tview"
	"go.uber.org/zap"
)

const historyLimit = 100

type (
	Options struct {
		Host    string
		Timeout time.Duration
	}

	// App is the terminal chat with one contact.
	App struct {
		app     *tview.Application
		chatbox *tview.TextView
		status  *tview.TextView
		input   *tview.InputField

		opts  Options
		api   *Client
		keys  *key.HTTPDirectory
		store *KeyStore

		self model.UserRef
		peer *model.User

		mu      sync.Mutex
		sess    *session.Session
		conn    *wsclient.Client
		ring    sealedbox.Keyring
		earlier []earlierMessage

		// order maps the numbers shown in the chatbox to message ids. Only
		// touched from the UI goroutine.
		order []string
	}

	earlierMessage struct {
		msg  *model.Message
		text string
	}
)

func NewApp(opts Options, self model.UserRef, store *KeyStore) *App {
	return &App{
		app:   tview.NewApplication(),
		opts:  opts,
		api:   NewClient(opts.Host, self, nil),
		keys:  key.NewHTTPDirectory(opts.Host, nil),
		store: store,
		self:  self,
	}
}

// Run opens the chat with contact, a username or user id, and blocks until
// the user quits or ctx is cancelled.
func (c *App) Run(ctx context.Context, contact string) error {
	ring, err := c.store.Keyring(c.self)
	if err != nil {
		return err
	}
	c.ring = ring

	lookupCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	peer, err := c.api.LookupUser(lookupCtx, contact)
	cancel()
	if err != nil {
		return err
	}
	if peer == nil {
		peer = &model.User{UserID: model.UserRef(contact), Username: contact}
	}
	c.peer = peer

	c.buildUI()

	go func() {
		<-ctx.Done()
		c.app.Stop()
	}()
	go c.connect(ctx)

	err = c.app.Run()
	c.close()
	return errors.Wrap(err, "run ui")
}

func (c *App) connect(ctx context.Context) {
	c.notice("connecting to %s", c.opts.Host)

	conn, err := wsclient.Dial(ctx, c.opts.Host, c.self)
	if err != nil {
		c.notice("[red]connect failed: %v", err)
		return
	}
	sess, err := session.New(session.Config{
		Self:          c.self,
		Peer:          c.peer.UserID,
		Relationships: c.api,
		Keys:          c.keys,
		Keyring:       c.ring,
		Transport:     conn,
		Observer:      c.onEvent,
		AckTimeout:    c.opts.Timeout,
	})
	if err != nil {
		_ = conn.Close()
		c.notice("[red]%v", err)
		return
	}

	c.mu.Lock()
	c.conn, c.sess = conn, sess
	c.mu.Unlock()

	joinCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	if err := sess.Join(joinCtx); err != nil {
		switch {
		case errors.Is(err, session.ErrNotAccepted):
			c.notice("[red]%s is not an accepted contact", c.peer.Username)
		case errors.Is(err, session.ErrBlocked):
			c.notice("[red]messaging with %s is blocked", c.peer.Username)
		default:
			c.notice("[red]join failed: %v", err)
		}
		return
	}

	c.loadEarlier(joinCtx)
	c.notice("joined room %s", sess.Room())

	go func() {
		<-conn.Done()
		if sess.State() == session.StateOpen {
			c.notice("[red]connection lost")
		}
	}()
}

// loadEarlier fetches the stored room history. Messages sealed to the peer
// cannot be opened locally and are shown as such.
func (c *App) loadEarlier(ctx context.Context) {
	msgs, err := c.api.History(ctx, c.peer.UserID, historyLimit)
	if err != nil {
		log.Warn("load history failed", zap.Error(err))
		return
	}

	earlier := make([]earlierMessage, 0, len(msgs))
	for _, m := range msgs {
		e := earlierMessage{msg: m}
		if m.ReceiverID == c.self {
			plain, err := sealedbox.DecodeWith(&sealedbox.Sealed{Algo: m.Algo, KeyVersion: m.KeyVersion, Body: m.Ciphertext}, c.ring)
			if err == nil {
				e.text = string(plain)
			}
		}
		earlier = append(earlier, e)
	}

	c.mu.Lock()
	c.earlier = earlier
	c.mu.Unlock()
	c.app.QueueUpdateDraw(c.render)
}

func (c *App) session() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

func (c *App) close() {
	c.mu.Lock()
	sess, conn := c.sess, c.conn
	c.mu.Unlock()

	if sess != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.Timeout)
		if err := sess.Leave(ctx); err != nil && !errors.Is(err, session.ErrSessionClosed) {
			log.Warn("leave room failed", zap.Error(err))
		}
		cancel()
		sess.Wait()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

// onEvent runs on the transport's read goroutine, so anything that waits on
// the transport is moved off it.
func (c *App) onEvent(ev session.Event) {
	switch ev.Kind {
	case session.EventReceived:
		go c.markRead(ev.MessageID)
	case session.EventUndeliverable:
		c.notice("[red]dropped envelope %s: %v", ev.MessageID, ev.Err)
	case session.EventRevoked:
		c.notice("[red]conversation closed: %v", ev.Err)
	}
	c.app.QueueUpdateDraw(c.render)
}

func (c *App) markRead(id string) {
	sess := c.session()
	if sess == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.Timeout)
	defer cancel()
	if err := sess.MarkRead(ctx, id); err != nil {
		log.Debug("mark read failed", zap.String("id", id), zap.Error(err))
	}
}

func (c *App) notice(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	c.app.QueueUpdateDraw(func() {
		c.status.SetText(msg)
	})
}

func (c *App) buildUI() {
	c.chatbox = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	c.chatbox.SetBorder(true).SetTitle(fmt.Sprintf(" Chat with %s ", c.peer.Username))

	c.status = tview.NewTextView().SetDynamicColors(true)

	c.input = tview.NewInputField().
		SetLabel("Message: ").
		SetFieldWidth(0)
	c.input.SetBorder(true).SetTitle(" /edit N text, /react N emoji, /retry N, /refresh, /quit ")

	c.input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := strings.TrimSpace(c.input.GetText())
		if text == "" {
			return
		}
		c.input.SetText("")
		c.handleInput(text)
	})

	layout := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(c.chatbox, 0, 1, false).
		AddItem(c.status, 1, 0, false).
		AddItem(c.input, 3, 0, true)
	c.app.SetRoot(layout, true).SetFocus(c.input)
}

func (c *App) handleInput(text string) {
	if text == "/quit" {
		c.app.Stop()
		return
	}
	sess := c.session()
	if sess == nil || sess.State() != session.StateOpen {
		c.status.SetText("[red]not connected")
		return
	}

	if !strings.HasPrefix(text, "/") {
		go c.send(sess, session.Outgoing{ID: model.NewMessageID(), Text: text})
		return
	}

	cmd, rest, _ := strings.Cut(text, " ")
	if cmd == "/refresh" {
		go c.run("refresh key", func(ctx context.Context) error { return sess.RefreshKey(ctx) })
		return
	}

	num, arg, _ := strings.Cut(strings.TrimSpace(rest), " ")
	id, ok := c.messageAt(num)
	if !ok {
		c.status.SetText(fmt.Sprintf("[red]no message %q", num))
		return
	}
	switch cmd {
	case "/edit":
		go c.run("edit", func(ctx context.Context) error {
			_, err := sess.Edit(ctx, id, arg)
			return err
		})
	case "/react":
		go c.run("react", func(ctx context.Context) error { return sess.React(ctx, id, strings.TrimSpace(arg)) })
	case "/retry":
		item, found := sess.Message(id)
		if !found || item.Message.SenderID != c.self {
			c.status.SetText("[red]only your own messages can be re-sent")
			return
		}
		go c.send(sess, session.Outgoing{ID: id, Text: item.Text, Attachments: item.Message.Attachments})
	default:
		c.status.SetText(fmt.Sprintf("[red]unknown command %s", cmd))
	}
}

func (c *App) messageAt(num string) (string, bool) {
	n, err := strconv.Atoi(num)
	if err != nil || n < 1 || n > len(c.order) {
		return "", false
	}
	return c.order[n-1], true
}

func (c *App) send(sess *session.Session, out session.Outgoing) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.Timeout)
	defer cancel()

	_, err := sess.Send(ctx, out, func(id string, err error) {
		if err != nil {
			c.notice("[red]message not delivered: %v (use /retry)", err)
		}
		c.app.QueueUpdateDraw(c.render)
	})
	if err != nil {
		c.notice("[red]send failed: %v", err)
		return
	}
	c.app.QueueUpdateDraw(c.render)
}

func (c *App) run(op string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.Timeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		c.notice("[red]%s failed: %v", op, err)
		return
	}
	c.app.QueueUpdateDraw(c.render)
}

// render redraws the chatbox. It runs on the UI goroutine.
func (c *App) render() {
	sess := c.session()

	c.mu.Lock()
	earlier := c.earlier
	c.mu.Unlock()

	c.chatbox.Clear()
	c.order = c.order[:0]

	for _, e := range earlier {
		if sess != nil {
			if _, live := sess.Message(e.msg.ID); live {
				continue
			}
		}
		text := "[gray](sealed for " + c.peer.Username + ")[-]"
		if e.msg.ReceiverID == c.self {
			text = tview.Escape(e.text)
			if e.text == "" {
				text = "[gray](unreadable)[-]"
			}
		}
		fmt.Fprintf(c.chatbox, "[gray]   %s[-] %s %s\n", c.label(e.msg.SenderID), text, reactions(e.msg))
	}

	if sess != nil {
		for _, item := range sess.History() {
			c.order = append(c.order, item.Message.ID)
			fmt.Fprintf(c.chatbox, "%2d %s %s%s %s\n",
				len(c.order),
				c.label(item.Message.SenderID),
				tview.Escape(item.Text),
				c.marks(item),
				reactions(&item.Message))
		}
	}
	c.chatbox.ScrollToEnd()
}

func (c *App) label(sender model.UserRef) string {
	if sender == c.self {
		return "[yellow]You:[-]"
	}
	return fmt.Sprintf("[green]%s:[-]", tview.Escape(c.peer.Username))
}

func (c *App) marks(item session.Item) string {
	var b strings.Builder
	if len(item.Message.EditHistory) > 0 {
		b.WriteString(" [gray](edited)[-]")
	}
	if item.Message.SenderID != c.self {
		return b.String()
	}
	switch {
	case item.Delivery == session.DeliveryFailed:
		b.WriteString(" [red]![-]")
	case item.Message.IsRead:
		b.WriteString(" [blue]read[-]")
	case item.Delivery == session.DeliveryAcked:
		b.WriteString(" [gray]sent[-]")
	}
	return b.String()
}

func reactions(m *model.Message) string {
	if len(m.Reactions) == 0 {
		return ""
	}
	tags := make([]string, 0, len(m.Reactions))
	for _, r := range m.Reactions {
		tags = append(tags, r.Tag)
	}
	return strings.Join(tags, "")
}
