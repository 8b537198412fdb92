package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/triagehq/triage/internal/config"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}

	switch os.Args[1] {
	case "health":
		cmdHealth()
	case "tickets":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: triagectl tickets <list|show|claim|unclaim|respond|reopen>")
			os.Exit(1)
		}
		switch os.Args[2] {
		case "list":
			cmdTicketsList(os.Args[3:])
		case "show":
			cmdTicketsShow(requireArg(3, "usage: triagectl tickets show <key>"))
		case "claim", "unclaim", "respond", "reopen":
			cmdTransition(os.Args[2], os.Args[3:])
		default:
			fmt.Fprintf(os.Stderr, "unknown tickets subcommand: %s\n", os.Args[2])
			os.Exit(1)
		}
	case "thread":
		cmdThread(os.Args[2:])
	case "activity":
		cmdActivity(requireArg(2, "usage: triagectl activity <key>"))
	case "notes":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: triagectl notes <list|add>")
			os.Exit(1)
		}
		switch os.Args[2] {
		case "list":
			cmdNotesList(requireArg(3, "usage: triagectl notes list <key>"))
		case "add":
			cmdNotesAdd(os.Args[3:])
		default:
			fmt.Fprintf(os.Stderr, "unknown notes subcommand: %s\n", os.Args[2])
			os.Exit(1)
		}
	case "digest":
		if len(os.Args) >= 3 && os.Args[2] == "send" {
			cmdDigestSend()
		} else {
			cmdDigest()
		}
	case "config":
		if len(os.Args) < 4 || os.Args[2] != "validate" {
			fmt.Fprintln(os.Stderr, "usage: triagectl config validate <path>")
			os.Exit(1)
		}
		cmdConfigValidate(os.Args[3])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func requireArg(idx int, usage string) string {
	if len(os.Args) <= idx {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}
	return os.Args[idx]
}

// --- Commands ---

func cmdHealth() {
	body, err := apiGet("/api/health")
	if err != nil {
		fatal(err)
	}
	fmt.Println(string(body))
}

func cmdTicketsList(args []string) {
	fs := flag.NewFlagSet("tickets list", flag.ExitOnError)
	filter := fs.String("filter", "", "Queue view (needs_response|followups|claimed|unclaimed|awaiting_customer|resolved|all)")
	limit := fs.Int("limit", 50, "Max results")
	fs.Parse(args)

	query := fmt.Sprintf("?limit=%d", *limit)
	if *filter != "" {
		query += "&filter=" + *filter
	}

	body, err := apiGet("/api/tickets" + query)
	if err != nil {
		fatal(err)
	}
	var tickets []map[string]any
	json.Unmarshal(body, &tickets)
	for _, t := range tickets {
		claimed := "-"
		if v, ok := t["claimed_by"].(string); ok && v != "" {
			claimed = v
		}
		stale := " "
		if s, ok := t["is_stale"].(bool); ok && s {
			stale = "!"
		}
		fmt.Printf("%s %-28s %-20s %-6s %-12s %v\n",
			stale, t["ticket_key"], t["customer_email"], t["age_display"], claimed, t["subject"])
	}
}

func cmdTicketsShow(key string) {
	body, err := apiGet("/api/tickets/" + key)
	if err != nil {
		fatal(err)
	}
	fmt.Println(prettyJSON(body))
}

func cmdTransition(verb string, args []string) {
	fs := flag.NewFlagSet("tickets "+verb, flag.ExitOnError)
	actor := fs.String("actor", envOr("TRIAGE_ACTOR", ""), "Acting team member")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "usage: triagectl tickets %s <key> --actor <name>\n", verb)
		os.Exit(1)
	}
	if *actor == "" {
		fmt.Fprintln(os.Stderr, "error: actor required (--actor or TRIAGE_ACTOR)")
		os.Exit(1)
	}

	key := fs.Arg(0)
	body, err := apiPost("/api/tickets/"+key+"/"+verb, map[string]string{"actor": *actor})
	if err != nil {
		fatal(err)
	}
	fmt.Println(prettyJSON(body))
}

func cmdThread(args []string) {
	fs := flag.NewFlagSet("thread", flag.ExitOnError)
	filtered := fs.Bool("filtered", false, "Only messages involving the ticket's customer")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: triagectl thread <key> [--filtered]")
		os.Exit(1)
	}

	path := "/api/tickets/" + fs.Arg(0) + "/thread"
	if *filtered {
		path += "?filtered=true"
	}
	body, err := apiGet(path)
	if err != nil {
		fatal(err)
	}
	var msgs []map[string]any
	json.Unmarshal(body, &msgs)
	for _, m := range msgs {
		fmt.Printf("%-8s %-24s %v\n", m["direction"], m["from_email"], m["snippet"])
	}
}

func cmdActivity(key string) {
	body, err := apiGet("/api/tickets/" + key + "/activity")
	if err != nil {
		fatal(err)
	}
	var entries []map[string]any
	json.Unmarshal(body, &entries)
	for _, e := range entries {
		actor := "-"
		if v, ok := e["actor"].(string); ok && v != "" {
			actor = v
		}
		fmt.Printf("%-26s %-18s %s\n", e["created_at"], e["action"], actor)
	}
}

func cmdNotesList(key string) {
	body, err := apiGet("/api/tickets/" + key + "/notes")
	if err != nil {
		fatal(err)
	}
	fmt.Println(prettyJSON(body))
}

func cmdNotesAdd(args []string) {
	fs := flag.NewFlagSet("notes add", flag.ExitOnError)
	author := fs.String("author", envOr("TRIAGE_ACTOR", ""), "Note author")
	fs.Parse(args)

	if fs.NArg() < 2 {
		fmt.Fprintln(os.Stderr, "usage: triagectl notes add <key> <body> --author <name>")
		os.Exit(1)
	}
	if *author == "" {
		fmt.Fprintln(os.Stderr, "error: author required (--author or TRIAGE_ACTOR)")
		os.Exit(1)
	}

	body, err := apiPost("/api/tickets/"+fs.Arg(0)+"/notes", map[string]string{
		"author": *author,
		"body":   fs.Arg(1),
	})
	if err != nil {
		fatal(err)
	}
	fmt.Println(prettyJSON(body))
}

func cmdDigest() {
	body, err := apiGet("/api/digest")
	if err != nil {
		fatal(err)
	}
	if len(body) == 0 {
		fmt.Println("queue is empty, nothing to report")
		return
	}
	var payload map[string]any
	if json.Unmarshal(body, &payload) == nil {
		if text, ok := payload["text"].(string); ok {
			fmt.Println(text)
			return
		}
	}
	fmt.Println(prettyJSON(body))
}

func cmdDigestSend() {
	body, err := apiPost("/api/digest/send", struct{}{})
	if err != nil {
		fatal(err)
	}
	fmt.Println(string(body))
}

func cmdConfigValidate(path string) {
	_, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("config is valid")
}

// --- Helpers ---

func apiGet(path string) ([]byte, error) {
	return apiDo("GET", path, nil)
}

func apiPost(path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return apiDo("POST", path, bytes.NewReader(data))
}

func apiDo(method, path string, body io.Reader) ([]byte, error) {
	base := envOr("TRIAGE_API_URL", "http://localhost:8080")

	req, err := http.NewRequest(method, base+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key := os.Getenv("TRIAGE_API_KEY"); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(data))
	}
	return data, nil
}

func prettyJSON(data []byte) string {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return string(data)
	}
	out, _ := json.MarshalIndent(v, "", "  ")
	return string(out)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func printUsage() {
	fmt.Println("triagectl - support queue management CLI")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  health                          Check daemon health")
	fmt.Println("  tickets list                    List tickets (--filter, --limit)")
	fmt.Println("  tickets show <key>              Show ticket details")
	fmt.Println("  tickets claim <key>             Claim a ticket (--actor)")
	fmt.Println("  tickets unclaim <key>           Release a claim (--actor)")
	fmt.Println("  tickets respond <key>           Mark responded (--actor)")
	fmt.Println("  tickets reopen <key>            Move back into the response queue (--actor)")
	fmt.Println("  thread <key>                    Show the ticket's conversation (--filtered)")
	fmt.Println("  activity <key>                  Show the ticket's event log")
	fmt.Println("  notes list <key>                List ticket notes")
	fmt.Println("  notes add <key> <body>          Add a note (--author)")
	fmt.Println("  digest                          Preview the queue digest")
	fmt.Println("  digest send                     Deliver the digest to configured notifiers")
	fmt.Println("  config validate <path>          Validate a config file")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  TRIAGE_API_URL   Daemon URL (default: http://localhost:8080)")
	fmt.Println("  TRIAGE_API_KEY   API key for authentication")
	fmt.Println("  TRIAGE_ACTOR     Default actor for claim/unclaim/respond/reopen")
	fmt.Println()
}
