package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/matheus3301/storechat/internal/config"
	"github.com/matheus3301/storechat/internal/control"
	"github.com/matheus3301/storechat/internal/lock"
	"github.com/matheus3301/storechat/internal/model"
	"github.com/matheus3301/storechat/internal/session"
	"github.com/matheus3301/storechat/internal/store"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fail(err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		withDaemon(sessionName, func(c *control.Client) { cmdStatus(ctx, c, sessionName, *jsonFlag) })
	case "open":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: storechatctl open <counterpart>")
			os.Exit(1)
		}
		withDaemon(sessionName, func(c *control.Client) { cmdOpen(ctx, c, args[1], *jsonFlag) })
	case "send":
		withDaemon(sessionName, func(c *control.Client) { cmdSend(ctx, c, args[1:], *jsonFlag) })
	case "typing":
		withDaemon(sessionName, func(c *control.Client) {
			if err := c.Typing(ctx); err != nil {
				fail(err)
			}
		})
	case "inbox":
		cmdInbox(sessionName, *jsonFlag)
	case "history":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: storechatctl history <counterpart>")
			os.Exit(1)
		}
		cmdHistory(sessionName, args[1], *jsonFlag)
	case "search":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: storechatctl search <query>")
			os.Exit(1)
		}
		cmdSearch(sessionName, strings.Join(args[1:], " "), *jsonFlag)
	case "failed":
		clientID := ""
		if len(args) > 1 {
			clientID = args[1]
		}
		cmdFailed(sessionName, clientID, *jsonFlag)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: storechatctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                        Show connection status")
	fmt.Fprintln(os.Stderr, "  open <counterpart>            Open a conversation")
	fmt.Fprintln(os.Stderr, "  send [-f file]... [text]      Send text and attachments to the open conversation")
	fmt.Fprintln(os.Stderr, "  typing                        Signal typing in the open conversation")
	fmt.Fprintln(os.Stderr, "  inbox                         List conversations from the local cache")
	fmt.Fprintln(os.Stderr, "  history <counterpart>         Show cached messages")
	fmt.Fprintln(os.Stderr, "  search <query>                Search cached messages")
	fmt.Fprintln(os.Stderr, "  failed [client-id]            List messages the backend did not accept")
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func withDaemon(sessionName string, fn func(*control.Client)) {
	c, err := control.Dial(session.SocketPath(sessionName))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for session %q: %v\n", sessionName, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()
	fn(c)
}

func cmdStatus(ctx context.Context, c *control.Client, sessionName string, jsonOut bool) {
	resp, err := c.Status(ctx)
	if err != nil {
		if info, lerr := lock.Read(session.Dir(sessionName)); lerr == nil {
			fmt.Fprintf(os.Stderr, "daemon pid %d holds the session but is not answering\n", info.PID)
		}
		fail(err)
	}
	if jsonOut {
		outputProto(resp)
		return
	}
	health, _ := c.Serving(ctx)
	f := resp.GetFields()
	fmt.Printf("Session:    %s\n", f["session"].GetStringValue())
	fmt.Printf("Role:       %s\n", f["role"].GetStringValue())
	fmt.Printf("User:       %s\n", f["user_id"].GetStringValue())
	fmt.Printf("State:      %s (%s)\n", f["state"].GetStringValue(), health)
	if cp := f["counterpart"].GetStringValue(); cp != "" {
		fmt.Printf("Open chat:  %s\n", cp)
	}
	fmt.Printf("Unread:     %d\n", int(f["unread"].GetNumberValue()))
	fmt.Printf("Uptime:     %dms\n", int64(f["uptime_ms"].GetNumberValue()))
}

func cmdOpen(ctx context.Context, c *control.Client, counterpart string, jsonOut bool) {
	resp, err := c.Open(ctx, counterpart)
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputProto(resp)
		return
	}
	msgs := resp.GetFields()["messages"].GetListValue().GetValues()
	if len(msgs) == 0 {
		fmt.Println("No messages yet.")
		return
	}
	for _, v := range msgs {
		m := v.GetStructValue().GetFields()
		fmt.Printf("%-7s %s\n", m["sender"].GetStringValue(), preview(m["message"].GetStringValue(), m["file_url"].GetStringValue()))
	}
}

type fileList []string

func (f *fileList) String() string     { return strings.Join(*f, ",") }
func (f *fileList) Set(v string) error { *f = append(*f, v); return nil }

func cmdSend(ctx context.Context, c *control.Client, args []string, jsonOut bool) {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	var files fileList
	fs.Var(&files, "f", "attach a file (repeatable)")
	kind := fs.String("kind", "", "attachment kind: image, video or document (default: detect)")
	_ = fs.Parse(args)

	resp, err := c.Send(ctx, strings.Join(fs.Args(), " "), files, *kind)
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputProto(resp)
		return
	}
	f := resp.GetFields()
	for _, v := range f["messages"].GetListValue().GetValues() {
		m := v.GetStructValue().GetFields()
		id := m["id"].GetStringValue()
		if id == "" {
			id = "(not persisted)"
		}
		fmt.Printf("%s %s\n", id, preview(m["message"].GetStringValue(), m["file_url"].GetStringValue()))
	}
	for _, v := range f["failed_uploads"].GetListValue().GetValues() {
		fmt.Fprintf(os.Stderr, "upload failed: %s\n", v.GetStringValue())
	}
	if e := f["error"].GetStringValue(); e != "" {
		fail(fmt.Errorf("%s", e))
	}
}

func openCache(sessionName string) *store.DB {
	path := session.DBPath(sessionName)
	if _, err := os.Stat(path); err != nil {
		fail(fmt.Errorf("no local cache for session %q; start storechatd first", sessionName))
	}
	db, err := store.Open(path)
	if err != nil {
		fail(err)
	}
	return db
}

func sessionIdentity(sessionName string) session.Identity {
	cfg, err := config.LoadSession(session.SessionConfigPath(sessionName))
	if err != nil {
		fail(fmt.Errorf("read session config: %w", err))
	}
	return session.Identity{Role: model.Role(cfg.Role), UserID: cfg.UserID, StoreID: cfg.StoreID}
}

func cmdInbox(sessionName string, jsonOut bool) {
	id := sessionIdentity(sessionName)
	db := openCache(sessionName)
	defer func() { _ = db.Close() }()

	entries, err := db.ListInbox(id.Role, 50, 0)
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(entries)
		return
	}
	if len(entries) == 0 {
		fmt.Println("No conversations.")
		return
	}
	for _, e := range entries {
		unread := ""
		if e.UnreadCount > 0 {
			unread = fmt.Sprintf(" (%d unread)", e.UnreadCount)
		}
		fmt.Printf("%-24s %s %s%s\n", sanitize(e.DisplayName), e.LastMessageAt.Local().Format("2006-01-02 15:04"), sanitize(e.LastMessage), unread)
	}
}

func cmdHistory(sessionName, counterpart string, jsonOut bool) {
	id := sessionIdentity(sessionName)
	db := openCache(sessionName)
	defer func() { _ = db.Close() }()

	msgs, err := db.ListMessages(id.Room(counterpart), 0, 100)
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(msgs)
		return
	}
	for _, m := range msgs {
		fmt.Printf("%s %-7s %-8s %s\n", m.CreatedAt.Local().Format("15:04"), m.Sender, m.Status, preview(m.Body, m.FileURL))
	}
}

func cmdSearch(sessionName, query string, jsonOut bool) {
	db := openCache(sessionName)
	defer func() { _ = db.Close() }()

	results, err := db.SearchMessages(query, "", 20)
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(results)
		return
	}
	if len(results) == 0 {
		fmt.Println("No matches.")
		return
	}
	for _, r := range results {
		fmt.Printf("%s %s\n", r.Message.Room(), sanitize(r.Snippet))
	}
}

func cmdFailed(sessionName, clientID string, jsonOut bool) {
	db := openCache(sessionName)
	defer func() { _ = db.Close() }()

	var entries []store.OutboxEntry
	if clientID != "" {
		e, err := db.GetOutbox(clientID)
		if err != nil {
			fail(err)
		}
		if e == nil {
			fail(fmt.Errorf("no outbox entry %q", clientID))
		}
		entries = append(entries, *e)
	} else {
		var err error
		if entries, err = db.FailedOutbox(); err != nil {
			fail(err)
		}
	}
	if jsonOut {
		outputJSON(entries)
		return
	}
	if len(entries) == 0 {
		fmt.Println("No failed messages.")
		return
	}
	for _, e := range entries {
		fmt.Printf("%s %-7s attempts=%d %s: %s\n", e.ClientID, e.Status, e.Attempts, preview(e.Message.Body, e.Message.FileURL), sanitize(e.ErrorMessage))
	}
}

func preview(body, fileURL string) string {
	if body != "" {
		return sanitize(body)
	}
	return "[file] " + sanitize(fileURL)
}

func outputProto(m proto.Message) {
	b, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(m)
	if err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
		return
	}
	fmt.Println(string(b))
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
