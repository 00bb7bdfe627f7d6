package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"
)

var httpClient = &http.Client{Timeout: 15 * time.Second}

func main() {
	server := flag.String("server", "http://localhost:8080", "loadout server URL")
	priority := flag.Int("priority", 0, "allocation priority for activate (>1 reclaims from lower priorities)")
	version := flag.String("version", "", "declared version for publish")
	desc := flag.String("desc", "", "description for publish")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	switch cmd := args[0]; cmd {
	case "list":
		cmdList(*server)
	case "available":
		cmdAvailable(*server)
	case "load":
		requireArgs(args, 2)
		cmdLoad(*server, args[1], optArg(args, 2))
	case "unload":
		requireArgs(args, 2)
		cmdUnload(*server, args[1])
	case "activate":
		requireArgs(args, 2)
		cmdActivate(*server, args[1], optInt(args, 2), *priority)
	case "deactivate":
		requireArgs(args, 2)
		cmdDeactivate(*server, args[1])
	case "upgrade":
		requireArgs(args, 3)
		cmdUpgrade(*server, args[1], args[2])
	case "rollback":
		requireArgs(args, 2)
		steps := optInt(args, 2)
		if steps == 0 {
			steps = 1
		}
		cmdRollback(*server, args[1], steps)
	case "events":
		cmdEvents(*server, optArg(args, 1))
	case "context":
		cmdContext(*server)
	case "budget":
		cmdBudget(*server)
	case "history":
		cmdHistory(*server)
	case "publish":
		requireArgs(args, 3)
		cmdPublish(*server, args[1], args[2], *version, *desc)
	default:
		printError("unknown command %q", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `skillctl — loadout admin client

Usage: skillctl [flags] <command> [args]

Commands:
  list                        tracked skills and their states
  available                   skills offered by the source
  load <name> [version]       fetch a skill into memory
  unload <name>               drop a skill from memory
  activate <name> [tokens]    bring a skill into the context window
  deactivate <name>           remove a skill from the context window
  upgrade <name> <version>    hot-reload at a new compatible version
  rollback <name> [steps]     return to a previously upgraded-from version
  events [name]               lifecycle event log
  context                     context window budget and active skills
  budget                      allocator pool and per-skill records
  history                     released budget snapshots
  publish <name> <file>       store skill content on the source (-version, -desc)

Flags:`)
	flag.PrintDefaults()
}

func requireArgs(args []string, n int) {
	if len(args) < n {
		usage()
		os.Exit(1)
	}
}

func optArg(args []string, i int) string {
	if len(args) > i {
		return args[i]
	}
	return ""
}

func optInt(args []string, i int) int {
	if len(args) <= i {
		return 0
	}
	n, err := strconv.Atoi(args[i])
	if err != nil {
		printError("not a number: %q", args[i])
		os.Exit(1)
	}
	return n
}

func cmdList(server string) {
	var skills []struct {
		Name       string `json:"name"`
		State      string `json:"state"`
		Version    string `json:"version"`
		Allocation int    `json:"allocation"`
	}
	if err := get(server, "/api/skills", &skills); err != nil {
		fatal(err)
	}
	if len(skills) == 0 {
		fmt.Println("No skills tracked yet.")
		return
	}
	for _, s := range skills {
		fmt.Printf("  %s %-24s %-10s v%s", stateIcon(s.State), s.Name, s.State, s.Version)
		if s.Allocation > 0 {
			fmt.Printf("  %d tokens", s.Allocation)
		}
		fmt.Println()
	}
}

func cmdAvailable(server string) {
	var avail struct {
		Skills []string `json:"skills"`
		Count  int      `json:"count"`
	}
	if err := get(server, "/api/skills/available", &avail); err != nil {
		fatal(err)
	}
	if avail.Count == 0 {
		fmt.Println("The source offers no skills.")
		return
	}
	fmt.Printf("%d available:\n", avail.Count)
	for _, name := range avail.Skills {
		fmt.Printf("  %s\n", name)
	}
}

func cmdLoad(server, name, version string) {
	var s struct {
		State   string `json:"state"`
		Version string `json:"version"`
	}
	if err := send("POST", server, "/api/skills/"+name+"/load", map[string]string{"version": version}, &s); err != nil {
		fatal(err)
	}
	fmt.Printf("loaded %s v%s\n", name, s.Version)
}

func cmdUnload(server, name string) {
	if err := send("POST", server, "/api/skills/"+name+"/unload", nil, nil); err != nil {
		fatal(err)
	}
	fmt.Printf("unloaded %s\n", name)
}

func cmdActivate(server, name string, tokens, priority int) {
	var act struct {
		Version    string `json:"version"`
		Allocation int    `json:"allocation"`
		Content    string `json:"content"`
	}
	body := map[string]int{"allocation": tokens, "priority": priority}
	if err := send("POST", server, "/api/skills/"+name+"/activate", body, &act); err != nil {
		fatal(err)
	}
	fmt.Printf("\033[32m●\033[0m %s v%s active, %d tokens\n---\n%s\n", name, act.Version, act.Allocation, act.Content)
}

func cmdDeactivate(server, name string) {
	if err := send("POST", server, "/api/skills/"+name+"/deactivate", nil, nil); err != nil {
		fatal(err)
	}
	fmt.Printf("deactivated %s\n", name)
}

func cmdUpgrade(server, name, version string) {
	var s struct {
		State   string `json:"state"`
		Version string `json:"version"`
	}
	if err := send("POST", server, "/api/skills/"+name+"/upgrade", map[string]string{"version": version}, &s); err != nil {
		fatal(err)
	}
	fmt.Printf("upgraded %s to v%s (%s)\n", name, s.Version, s.State)
}

func cmdRollback(server, name string, steps int) {
	var s struct {
		State   string `json:"state"`
		Version string `json:"version"`
	}
	if err := send("POST", server, "/api/skills/"+name+"/rollback", map[string]int{"steps": steps}, &s); err != nil {
		fatal(err)
	}
	fmt.Printf("rolled back %s to v%s (%s)\n", name, s.Version, s.State)
}

func cmdEvents(server, name string) {
	path := "/api/events"
	if name != "" {
		path = "/api/skills/" + name + "/events"
	}
	var events []struct {
		Seq       uint64    `json:"seq"`
		Skill     string    `json:"skill"`
		Type      string    `json:"type"`
		OldState  string    `json:"old_state"`
		NewState  string    `json:"new_state"`
		Version   string    `json:"version"`
		Timestamp time.Time `json:"timestamp"`
	}
	if err := get(server, path, &events); err != nil {
		fatal(err)
	}
	if len(events) == 0 {
		fmt.Println("No events yet.")
		return
	}
	for _, e := range events {
		fmt.Printf("  #%-4d %s  %-12s %-24s %s → %s  v%s\n",
			e.Seq, e.Timestamp.Format("15:04:05"), e.Type, e.Skill, e.OldState, e.NewState, e.Version)
	}
}

func cmdContext(server string) {
	var cx struct {
		Budget    int            `json:"budget"`
		Available int            `json:"available"`
		Active    map[string]int `json:"active"`
	}
	if err := get(server, "/api/context", &cx); err != nil {
		fatal(err)
	}
	fmt.Printf("context budget %d, available %d\n", cx.Budget, cx.Available)
	for name, tokens := range cx.Active {
		fmt.Printf("  \033[32m●\033[0m %-24s %d tokens\n", name, tokens)
	}
}

func cmdBudget(server string) {
	var status struct {
		Total     int `json:"total"`
		Allocated int `json:"allocated"`
		Used      int `json:"used"`
		Available int `json:"available"`
		Records   []struct {
			Skill     string `json:"skill"`
			Allocated int    `json:"allocated"`
			Used      int    `json:"used"`
			Priority  int    `json:"priority"`
		} `json:"records"`
	}
	if err := get(server, "/api/budget", &status); err != nil {
		fatal(err)
	}
	fmt.Printf("pool %d: allocated %d, used %d, available %d\n",
		status.Total, status.Allocated, status.Used, status.Available)
	for _, r := range status.Records {
		fmt.Printf("  %-24s p%d  %d/%d tokens\n", r.Skill, r.Priority, r.Used, r.Allocated)
	}
}

func cmdHistory(server string) {
	var history []struct {
		Skill       string    `json:"skill"`
		Allocated   int       `json:"allocated"`
		Used        int       `json:"used"`
		Utilization float64   `json:"utilization"`
		ReleasedAt  time.Time `json:"released_at"`
	}
	if err := get(server, "/api/budget/history", &history); err != nil {
		fatal(err)
	}
	if len(history) == 0 {
		fmt.Println("No released budgets yet.")
		return
	}
	for _, h := range history {
		fmt.Printf("  %s  %-24s %d/%d tokens (%.0f%%)\n",
			h.ReleasedAt.Format("15:04:05"), h.Skill, h.Used, h.Allocated, h.Utilization*100)
	}
}

func cmdPublish(server, name, file, version, desc string) {
	text, err := os.ReadFile(file)
	if err != nil {
		fatal(err)
	}
	if version == "" {
		version = "1.0.0"
	}
	body := map[string]string{
		"text":        string(text),
		"version":     version,
		"description": desc,
	}
	if err := send("PUT", server, "/api/skills/"+name+"/content", body, nil); err != nil {
		fatal(err)
	}
	fmt.Printf("published %s v%s\n", name, version)
}

func stateIcon(state string) string {
	switch state {
	case "active":
		return "\033[32m●\033[0m"
	case "loaded":
		return "\033[36m○\033[0m"
	case "error":
		return "\033[31m✗\033[0m"
	default:
		return " "
	}
}

func get(server, path string, v interface{}) error {
	resp, err := httpClient.Get(server + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func send(method, server, path string, body, v interface{}) error {
	b, _ := json.Marshal(body)
	req, err := http.NewRequest(method, server+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	if v == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func fatal(err error) {
	printError("%v", err)
	os.Exit(1)
}

func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "\033[31m"+format+"\033[0m\n", args...)
}
