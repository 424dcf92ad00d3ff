package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/xiaot623/gogo/campuschat/internal/app"
	"github.com/xiaot623/gogo/campuschat/internal/chat"
	"github.com/xiaot623/gogo/campuschat/internal/domain"
)

const helpText = `Commands:
  /login <email> <password>            sign in
  /guest                               continue as guest
  /register <email> <password> [name]  create an account
  /logout                              sign out
  /whoami                              show the current session
  /go <route>                          navigate (/chat, /admin, /login)
  /history                             reload and show the conversation
  /clear                               clear the conversation
  /upload <file.pdf>...                ingest PDF documents (admin)
  /ingest <url>...                     ingest web pages (admin)
  /quit                                exit
Anything else is sent to the chatbot.`

// console serializes output from the REPL and from redirects, which arrive
// on the coordinator's goroutine.
type console struct {
	mu  sync.Mutex
	out io.Writer
}

func (c *console) printf(format string, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// Redirect implements auth.Navigator.
func (c *console) Redirect(path string) {
	c.printf("-> %s\n", path)
}

type repl struct {
	app *app.App
	con *console
}

// run reads commands until EOF, /quit or ctx is done.
func (r *repl) run(ctx context.Context, in io.Reader) {
	scanner := bufio.NewScanner(in)
	for {
		r.con.printf("> ")
		if !scanner.Scan() {
			return
		}
		if r.handle(ctx, scanner.Text()) {
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// handle executes one input line and reports whether to quit.
func (r *repl) handle(ctx context.Context, line string) bool {
	input := strings.TrimSpace(line)
	if input == "" {
		return false
	}
	if !strings.HasPrefix(input, "/") {
		r.send(ctx, input)
		return false
	}

	fields := strings.Fields(input)
	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "/quit":
		r.con.printf("Bye!\n")
		return true
	case "/help":
		r.con.printf("%s\n", helpText)
	case "/login":
		if len(args) != 2 {
			r.con.printf("usage: /login <email> <password>\n")
			return false
		}
		if err := r.app.Auth.LoginWithPassword(ctx, args[0], args[1]); err != nil {
			r.con.printf("Login failed: %v\n", err)
		}
	case "/guest":
		if err := r.app.Auth.LoginAsGuest(ctx); err != nil {
			r.con.printf("Guest login failed: %v\n", err)
		}
	case "/register":
		r.register(ctx, args)
	case "/logout":
		r.app.Auth.Logout(ctx)
	case "/whoami":
		r.whoami()
	case "/go":
		if len(args) != 1 {
			r.con.printf("usage: /go <route>\n")
			return false
		}
		if _, err := r.app.Auth.RouteChanged(ctx, args[0]); err != nil {
			r.con.printf("Navigation failed: %v\n", err)
		}
	case "/history":
		r.printTurns(r.app.Chat.LoadHistory(ctx))
	case "/clear":
		if err := r.app.Chat.Clear(ctx); err != nil {
			r.con.printf("Conversation cleared here, but the server copy could not be cleared: %v\n", err)
			return false
		}
		r.con.printf("Conversation cleared.\n")
	case "/upload":
		msg, err := r.app.Ingest.UploadFiles(ctx, args)
		r.report(msg, err)
	case "/ingest":
		msg, err := r.app.Ingest.IngestURLs(ctx, args)
		r.report(msg, err)
	default:
		r.con.printf("Unknown command %s, try /help\n", cmd)
	}
	return false
}

func (r *repl) send(ctx context.Context, text string) {
	if !r.app.Auth.Snapshot().Authenticated {
		r.con.printf("Sign in with /login or /guest first.\n")
		return
	}
	before := len(r.app.Chat.Messages())
	if err := r.app.Chat.SendTurn(ctx, text); err != nil {
		if errors.Is(err, chat.ErrEmptyQuery) {
			return
		}
		r.con.printf("Error: %v\n", err)
		return
	}
	msgs := r.app.Chat.Messages()
	if before < len(msgs) {
		r.printTurns(msgs[before:])
	}
}

func (r *repl) register(ctx context.Context, args []string) {
	if len(args) < 2 {
		r.con.printf("usage: /register <email> <password> [name]\n")
		return
	}
	req := domain.RegisterRequest{Email: args[0], Password: args[1]}
	if len(args) > 2 {
		req.Name = strings.Join(args[2:], " ")
	}
	resp, err := r.app.API.Register(ctx, req)
	if err != nil {
		r.con.printf("Registration failed: %v\n", err)
		return
	}
	r.con.printf("%s\n", resp.Message)
}

func (r *repl) whoami() {
	s := r.app.Auth.Snapshot()
	switch {
	case s.Loading:
		r.con.printf("Resolving session...\n")
	case !s.Authenticated:
		r.con.printf("Not signed in.\n")
	case s.IsGuest():
		r.con.printf("Guest (%s) on %s\n", s.GuestID, r.app.Auth.Route())
	default:
		r.con.printf("%s, role %s, on %s\n", s.Email, s.Role, r.app.Auth.Route())
	}
}

func (r *repl) printTurns(turns []domain.Turn) {
	if len(turns) == 0 {
		r.con.printf("(no messages)\n")
		return
	}
	for _, t := range turns {
		r.con.printf("[%s] %s\n", t.Sender, t.Text)
	}
}

func (r *repl) report(msg string, err error) {
	if err != nil {
		r.con.printf("Ingestion failed: %v\n", err)
		return
	}
	r.con.printf("%s\n", msg)
}
