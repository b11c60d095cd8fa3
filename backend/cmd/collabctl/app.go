package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/urfave/cli/v2"

	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/delta"
	"collabSync/backend/internal/editor"
	"collabSync/backend/internal/httpapi/middleware"
)

var version = "dev"

func App(in io.Reader, out io.Writer) *cli.App {
	return &cli.App{
		Name:      "collabctl",
		Usage:     "terminal client for the collaborative document service",
		Version:   version,
		Reader:    in,
		Writer:    out,
		ErrWriter: out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Usage:   "service base URL",
				EnvVars: []string{"COLLAB_SERVER"},
				Value:   "http://localhost:3003",
			},
			&cli.StringFlag{
				Name:    "token",
				Aliases: []string{"t"},
				Usage:   "access token",
				EnvVars: []string{"COLLAB_TOKEN"},
			},
		},
		Commands: []*cli.Command{
			tokenCommand(),
			showCommand(),
			joinCommand(),
		},
	}
}

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "sign a development access token with a shared secret",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "secret", Required: true, EnvVars: []string{"COLLAB_AUTH_JWT_SECRET"}},
			&cli.Uint64Flag{Name: "user-id", Required: true},
			&cli.StringFlag{Name: "username", Required: true},
			&cli.DurationFlag{Name: "ttl", Value: 24 * time.Hour},
		},
		Action: func(c *cli.Context) error {
			token, err := middleware.SignAccessToken(c.String("secret"), c.Uint64("user-id"), c.String("username"), c.Duration("ttl"))
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, token)
			return nil
		},
	}
}

type documentResp struct {
	DocID   string        `json:"docId"`
	Content delta.Delta   `json:"content"`
	Members []collab.User `json:"members"`
}

func showCommand() *cli.Command {
	return &cli.Command{
		Name:      "show",
		Usage:     "print a document snapshot and who is editing it",
		ArgsUsage: "<docId>",
		Action: func(c *cli.Context) error {
			docID := c.Args().First()
			if docID == "" {
				return cli.Exit("missing docId", 2)
			}
			endpoint := strings.TrimRight(c.String("server"), "/") + "/collab/documents/" + url.PathEscape(docID)
			req, err := http.NewRequestWithContext(c.Context, http.MethodGet, endpoint, nil)
			if err != nil {
				return err
			}
			if token := c.String("token"); token != "" {
				req.Header.Set("Authorization", "Bearer "+token)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
				return fmt.Errorf("GET %s: %s %s", endpoint, resp.Status, strings.TrimSpace(string(body)))
			}
			var doc documentResp
			if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
				return fmt.Errorf("decode document: %w", err)
			}
			fmt.Fprintf(c.App.Writer, "document %s, editing: %s\n", doc.DocID, names(doc.Members))
			fmt.Fprint(c.App.Writer, doc.Content.PlainText())
			return nil
		},
	}
}

// wsURL 把 http(s)://host 换成 ws(s)://host/collab/ws
func wsURL(server string) (string, error) {
	u, err := url.Parse(strings.TrimRight(server, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path += "/collab/ws"
	return u.String(), nil
}

func joinCommand() *cli.Command {
	return &cli.Command{
		Name:      "join",
		Usage:     "join a document; every input line is appended, /save /who /quit are commands",
		ArgsUsage: "<docId>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user-id", Required: true, Usage: "must match the token subject"},
			&cli.StringFlag{Name: "username", Required: true},
			&cli.DurationFlag{Name: "save-interval", Value: 3 * time.Second},
		},
		Action: func(c *cli.Context) error {
			docID := c.Args().First()
			if docID == "" {
				return cli.Exit("missing docId", 2)
			}
			endpoint, err := wsURL(c.String("server"))
			if err != nil {
				return err
			}
			self := collab.User{ID: c.String("user-id"), Username: c.String("username")}
			out := &syncWriter{w: c.App.Writer}
			changed := make(chan struct{}, 1)

			ctx, cancel := context.WithTimeout(c.Context, 10*time.Second)
			defer cancel()
			sess, err := editor.Dial(ctx, endpoint, c.String("token"), editor.Options{
				DocID:          docID,
				Self:           self,
				CursorDebounce: 50 * time.Millisecond,
				SaveInterval:   c.Duration("save-interval"),
				OnNotice:       func(msg string) { out.printf("! %s\n", msg) },
				// 持锁调用，只发信号
				OnChange: func() {
					select {
					case changed <- struct{}{}:
					default:
					}
				},
			})
			if err != nil {
				return err
			}
			defer sess.Close()
			return runREPL(c.App.Reader, out, sess, changed)
		},
	}
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, format, args...)
}

func runREPL(in io.Reader, out *syncWriter, sess *editor.Session, changed <-chan struct{}) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	var lastText, lastWho string
	for {
		select {
		case <-changed:
			if who := names(sess.Editor.Roster()); who != lastWho {
				out.printf("editing: %s\n", who)
				lastWho = who
			}
			if text := sess.Editor.Text(); text != lastText {
				out.printf("----\n%s", text)
				lastText = text
			}
		case <-sess.Done():
			out.printf("connection closed\n")
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(out, sess.Editor, line); quit {
				return nil
			}
		}
	}
}

// handleLine 返回 true 表示退出
func handleLine(out *syncWriter, ed *editor.Adapter, line string) bool {
	switch strings.TrimSpace(line) {
	case "/quit":
		return true
	case "/save":
		if err := ed.Save(); err != nil {
			out.printf("! save: %v\n", err)
		}
	case "/who":
		out.printf("editing: %s\n", names(ed.Roster()))
	case "/show":
		out.printf("%s", ed.Text())
	default:
		// 作为新的一行追加，文档末尾的 "\n" 保持在最后
		at := max(len([]rune(ed.Text()))-1, 0)
		if at > 0 {
			line = "\n" + line
		}
		if err := ed.LocalInsert(at, line, nil); err != nil {
			out.printf("! %v\n", err)
		}
	}
	return false
}

func names(users []collab.User) string {
	out := make([]string, 0, len(users))
	for _, u := range users {
		out = append(out, u.Username)
	}
	return strings.Join(out, ", ")
}
