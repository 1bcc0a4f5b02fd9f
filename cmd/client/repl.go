package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/atinyakov/GophChat/internal/client/session"
	"github.com/atinyakov/GophChat/internal/client/storage"
	"github.com/atinyakov/GophChat/internal/models"
)

const helpText = `Available commands:
  online                     list users online
  typing                     list users typing to you
  conversations [query]      list your conversations, newest first
  type <user>                signal that you are typing to user
  send <user> <text>         send a text message
  image <user> <file>        send an image file
  history <user>             show the conversation with user
  search <text>              search your text messages
  users [query]              search the server directory
  delete <id>                delete one local message
  clear                      delete all local messages
  retention [minutes]        show or set auto-delete (0 disables)
  status                     show the connection state
  reconnect                  retry after reconnect attempts ran out
  signout                    erase local history and the session key, then exit
  exit`

// chat is the part of the session coordinator the shell drives.
type chat interface {
	UserID() string
	State() session.State
	Reconnect()
	Online() []string
	IsOnline(userID string) bool
	Typing() []string
	Keystroke(recipientID string)
	Send(ctx context.Context, recipientID, text string) (models.StoredMessage, error)
	SendImage(ctx context.Context, recipientID, dataURL string) (models.StoredMessage, error)
	Conversation(peerID string) ([]models.StoredMessage, error)
	Conversations(query string) ([]storage.Conversation, error)
	Search(query string) ([]models.StoredMessage, error)
	DeleteMessage(id string) (bool, error)
	ClearHistory() error
	Retention() (int, error)
	SetRetention(minutes int) error
	SignOut() error
}

// userDirectory searches registered users on the server.
type userDirectory interface {
	Search(ctx context.Context, query string, limit int) ([]models.User, error)
}

// repl runs the interactive shell loop, printing session events as they
// arrive between commands.
type repl struct {
	chat chat
	dir  userDirectory
	in   io.Reader
	out  io.Writer

	mu sync.Mutex
}

// printf serializes output between the event printer and the command loop.
func (r *repl) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

func (r *repl) watch(events <-chan session.Event) {
	for ev := range events {
		switch ev.Kind {
		case session.MessageReceived:
			r.printf("\n%s\n", formatMessage(ev.Message))
		case session.PresenceChanged:
			if ev.UserID == "" || ev.UserID == r.chat.UserID() {
				continue
			}
			state := "offline"
			if ev.Active {
				state = "online"
			}
			r.printf("\n* %s is %s\n", ev.UserID, state)
		case session.TypingChanged:
			if ev.Active {
				r.printf("\n* %s is typing...\n", ev.UserID)
			}
		case session.ConnectionChanged:
			if ev.Active {
				r.printf("\n* connected\n")
			} else {
				r.printf("\n* disconnected\n")
			}
		}
	}
}

// run reads commands until exit, signout or end of input.
func (r *repl) run(ctx context.Context, events <-chan session.Event) error {
	if events != nil {
		go r.watch(events)
	}

	scanner := bufio.NewScanner(r.in)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for {
		r.printf("gophchat> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		done, err := r.exec(ctx, line)
		if err != nil {
			r.printf("error: %v\n", err)
		}
		if done {
			return nil
		}
	}
}

// exec runs one command line and reports whether the shell should stop.
func (r *repl) exec(ctx context.Context, line string) (bool, error) {
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	args := strings.Fields(rest)

	switch cmd {
	case "help":
		r.printf("%s\n", helpText)
	case "online":
		r.printf("%s\n", strings.Join(r.chat.Online(), ", "))
	case "typing":
		r.printf("%s\n", strings.Join(r.chat.Typing(), ", "))
	case "conversations":
		convs, err := r.chat.Conversations(rest)
		if err != nil {
			return false, err
		}
		if len(convs) == 0 {
			if rest != "" {
				r.printf("No conversations match %q\n", rest)
			} else {
				r.printf("No conversations yet\n")
			}
			return false, nil
		}
		for _, conv := range convs {
			marker := " "
			if r.chat.IsOnline(conv.Peer) {
				marker = "*"
			}
			r.printf("%s %s  %s\n", marker, conv.Peer, formatMessage(conv.Last))
		}
	case "status":
		r.printf("%s as %s\n", r.chat.State(), r.chat.UserID())
	case "reconnect":
		r.chat.Reconnect()
	case "type":
		if len(args) != 1 {
			return false, errors.New("usage: type <user>")
		}
		r.chat.Keystroke(args[0])
	case "send":
		to, text, ok := strings.Cut(rest, " ")
		if !ok || strings.TrimSpace(text) == "" {
			return false, errors.New("usage: send <user> <text>")
		}
		msg, err := r.chat.Send(ctx, to, strings.TrimSpace(text))
		if err != nil {
			return false, err
		}
		r.printf("sent %s\n", msg.ID)
	case "image":
		if len(args) != 2 {
			return false, errors.New("usage: image <user> <file>")
		}
		data, err := dataURL(args[1])
		if err != nil {
			return false, err
		}
		msg, err := r.chat.SendImage(ctx, args[0], data)
		if err != nil {
			return false, err
		}
		r.printf("sent %s\n", msg.ID)
	case "history":
		if len(args) != 1 {
			return false, errors.New("usage: history <user>")
		}
		msgs, err := r.chat.Conversation(args[0])
		if err != nil {
			return false, err
		}
		r.printMessages(msgs)
	case "search":
		if rest == "" {
			return false, errors.New("usage: search <text>")
		}
		msgs, err := r.chat.Search(rest)
		if err != nil {
			return false, err
		}
		r.printMessages(msgs)
	case "users":
		if r.dir == nil {
			return false, errors.New("directory unavailable")
		}
		users, err := r.dir.Search(ctx, rest, 0)
		if err != nil {
			return false, err
		}
		for _, u := range users {
			r.printf("%s\n", u.ID)
		}
	case "delete":
		if len(args) != 1 {
			return false, errors.New("usage: delete <id>")
		}
		ok, err := r.chat.DeleteMessage(args[0])
		if err != nil {
			return false, err
		}
		if !ok {
			r.printf("Message not found\n")
		} else {
			r.printf("Message deleted\n")
		}
	case "clear":
		if err := r.chat.ClearHistory(); err != nil {
			return false, err
		}
		r.printf("History cleared\n")
	case "retention":
		if len(args) == 0 {
			minutes, err := r.chat.Retention()
			if err != nil {
				return false, err
			}
			if minutes == 0 {
				r.printf("auto-delete off\n")
			} else {
				r.printf("auto-delete after %d minutes\n", minutes)
			}
			return false, nil
		}
		minutes, err := strconv.Atoi(args[0])
		if err != nil {
			return false, errors.New("usage: retention [minutes]")
		}
		if err := r.chat.SetRetention(minutes); err != nil {
			return false, err
		}
	case "signout":
		if err := r.chat.SignOut(); err != nil {
			return false, err
		}
		r.printf("Signed out\n")
		return true, nil
	case "exit":
		r.printf("Bye\n")
		return true, nil
	default:
		r.printf("Unknown command. Type 'help' for a list of commands.\n")
	}
	return false, nil
}

func (r *repl) printMessages(msgs []models.StoredMessage) {
	if len(msgs) == 0 {
		r.printf("No messages\n")
		return
	}
	for _, m := range msgs {
		r.printf("%s  (%s)\n", formatMessage(m), m.ID)
	}
}

func formatMessage(m models.StoredMessage) string {
	ts := time.UnixMilli(m.Timestamp).Format("15:04:05")
	body := m.Content
	if m.Type == models.ImageMessage {
		body = fmt.Sprintf("[image, %d bytes]", len(m.Content))
	}
	return fmt.Sprintf("[%s] %s -> %s: %s", ts, m.SenderID, m.RecipientID, body)
}

// dataURL reads an image file into a base64 data URL.
func dataURL(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}
	mime := http.DetectContentType(data)
	if !strings.HasPrefix(mime, "image/") {
		return "", fmt.Errorf("%s is not an image (%s)", path, mime)
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}
