package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/putto11262002/chatter-client/models"
	"github.com/putto11262002/chatter-client/session"
	"github.com/putto11262002/chatter-client/ws"
)

// ChatSession is the part of a session the terminal drives.
type ChatSession interface {
	Select(ctx context.Context, key models.ConversationKey) error
	Leave() error
	Send(body string) error
	Keystroke()
	Refresh(ctx context.Context) error
	CreateGroup(ctx context.Context, name string, memberIDs []models.ID) (models.Group, error)
	SearchUsers(ctx context.Context, q string) ([]models.User, error)
	Groups() []models.Group
	Conversations() []models.Conversation
	Online() []models.ID
	IsOnline(id models.ID) bool
	Messages(key models.ConversationKey) []models.Message
	Typing() []models.TypingUser
	Active() (models.ConversationKey, bool)
	State() ws.State
	Self() models.ID
	OnNotice(fn func(session.Notice)) (unsubscribe func())
}

var errQuit = errors.New("quit")

const helpText = `commands:
  /groups               list groups
  /dms                  list direct conversations
  /open group <id>      open a group conversation
  /open dm <user id>    open a direct conversation
  /leave                close the open conversation
  /history              print the open conversation
  /online               list online users
  /typing               list users typing in the open conversation
  /type                 show others that you are typing
  /search <query>       search users
  /create <name> [ids]  create a group with the given members
  /refresh              reload groups and conversations
  /status               show the connection state
  /quit                 exit
anything else is sent to the open conversation`

// Terminal is a line oriented front end for a session.
type Terminal struct {
	session ChatSession
	in      io.Reader

	mu  sync.Mutex
	out io.Writer
}

func NewTerminal(s ChatSession, in io.Reader, out io.Writer) *Terminal {
	return &Terminal{session: s, in: in, out: out}
}

// Run reads commands until the input ends, /quit is entered or ctx is done.
func (t *Terminal) Run(ctx context.Context) error {
	unsubscribe := t.session.OnNotice(t.render)
	defer unsubscribe()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(t.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	t.println("type /help for commands")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case line := <-lines:
			err := t.Exec(ctx, line)
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				t.println(color.RedString("error: %v", err))
			}
		}
	}
}

// Exec runs one line of input.
func (t *Terminal) Exec(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		return t.session.Send(line)
	}
	cmd, args := parseCommand(line)
	switch cmd {
	case "help":
		t.println(helpText)
	case "quit", "exit":
		return errQuit
	case "groups":
		for _, g := range t.session.Groups() {
			t.printf("%6s  %s\n", g.ID, g.Name)
		}
	case "dms":
		for _, c := range t.session.Conversations() {
			t.printf("%6s  %s%s\n", c.OtherUser.ID, c.OtherUser.DisplayName(), t.presenceMark(c.OtherUser.ID))
		}
	case "open":
		key, err := parseKey(args)
		if err != nil {
			return err
		}
		if err := t.session.Select(ctx, key); err != nil {
			return err
		}
		t.println(color.HiBlackString("opened %s", key))
	case "leave":
		return t.session.Leave()
	case "history":
		key, ok := t.session.Active()
		if !ok {
			return errors.New("no open conversation")
		}
		for _, m := range t.session.Messages(key) {
			t.println(t.formatMessage(m))
		}
	case "online":
		ids := t.session.Online()
		t.printf("%d online: %s\n", len(ids), joinIDs(ids))
	case "typing":
		var names []string
		for _, u := range t.session.Typing() {
			names = append(names, u.Username)
		}
		t.println(strings.Join(names, ", "))
	case "type":
		if _, ok := t.session.Active(); !ok {
			return errors.New("no open conversation")
		}
		t.session.Keystroke()
	case "search":
		users, err := t.session.SearchUsers(ctx, strings.Join(args, " "))
		if err != nil {
			return err
		}
		for _, u := range users {
			t.printf("%6s  %s (%s)%s\n", u.ID, u.DisplayName(), u.Username, t.presenceMark(u.ID))
		}
	case "create":
		if len(args) == 0 {
			return errors.New("usage: /create <name> [member ids]")
		}
		ids := make([]models.ID, 0, len(args)-1)
		for _, a := range args[1:] {
			ids = append(ids, models.ID(a))
		}
		g, err := t.session.CreateGroup(ctx, args[0], ids)
		if err != nil {
			return err
		}
		t.println(color.HiBlackString("created group %s (%s)", g.Name, g.ID))
	case "refresh":
		return t.session.Refresh(ctx)
	case "status":
		t.println(t.session.State().String())
	default:
		return fmt.Errorf("unknown command /%s, try /help", cmd)
	}
	return nil
}

func parseCommand(line string) (string, []string) {
	fields := strings.Fields(strings.TrimPrefix(line, "/"))
	if len(fields) == 0 {
		return "", nil
	}
	return strings.ToLower(fields[0]), fields[1:]
}

func parseKey(args []string) (models.ConversationKey, error) {
	if len(args) != 2 {
		return models.ConversationKey{}, errors.New("usage: /open group|dm <id>")
	}
	switch strings.ToLower(args[0]) {
	case "group", "g":
		return models.GroupKey(models.ID(args[1])), nil
	case "dm", "direct", "d":
		return models.DirectKey(models.ID(args[1])), nil
	}
	return models.ConversationKey{}, fmt.Errorf("unknown conversation kind %q", args[0])
}

// render prints notices worth showing. It runs on the session loop.
func (t *Terminal) render(n session.Notice) {
	switch n.Kind {
	case session.NoticeMessage:
		if key, ok := t.session.Active(); ok && key == n.Key {
			if n.Message.SenderID != t.session.Self() || !n.Message.Temporary {
				t.println(t.formatMessage(n.Message))
			}
			return
		}
		t.println(color.HiBlackString("new message in %s", n.Key))
	case session.NoticeConnected:
		t.println(color.GreenString("connected"))
	case session.NoticeDisconnected:
		t.println(color.YellowString("disconnected: %s", n.Text))
	case session.NoticeConnectFailed:
		t.println(color.RedString("connection failed: %s (use /status, restart to retry)", n.Text))
	case session.NoticeGroupCreated:
		t.println(color.HiBlackString("added to group %s", n.Text))
	case session.NoticeServerError:
		t.println(color.RedString("server: %s", n.Text))
	}
}

func (t *Terminal) formatMessage(m models.Message) string {
	name := m.SenderName
	if name == "" {
		name = m.SenderID.String()
	}
	if m.SenderID == t.session.Self() {
		name = color.CyanString(name)
	} else {
		name = color.MagentaString(name)
	}
	line := fmt.Sprintf("[%s] %s: %s", m.CreatedAt.Local().Format("15:04"), name, m.Body)
	if m.Temporary {
		line += color.HiBlackString(" (sending)")
	}
	return line
}

func (t *Terminal) presenceMark(id models.ID) string {
	if t.session.IsOnline(id) {
		return color.GreenString(" ●")
	}
	return ""
}

func joinIDs(ids []models.ID) string {
	s := make([]string, len(ids))
	for i, id := range ids {
		s[i] = id.String()
	}
	return strings.Join(s, ", ")
}

func (t *Terminal) println(s string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintln(t.out, s)
}

func (t *Terminal) printf(format string, args ...interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format, args...)
}
