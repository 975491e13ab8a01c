package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	persistlog "villagesim.ai/internal/persistence/log"
	"villagesim.ai/internal/persistence/snapshot"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "inspect":
			inspectCmd(os.Args[2:])
			return
		case "validate":
			validateCmd(os.Args[2:])
			return
		case "export-json":
			exportCmd(os.Args[2:])
			return
		case "audits":
			auditsCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "snapshot":
			snapshotCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func worldDir(dataDir string) string { return filepath.Join(dataDir, "village") }

// listCmd prints the header of every snapshot file, oldest first.
func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	paths, err := snapshotFiles(worldDir(*dataDir))
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, p := range paths {
		h, err := snapshot.ReadHeader(p)
		if err != nil {
			fmt.Printf("%s\tERROR %v\n", filepath.Base(p), err)
			continue
		}
		fmt.Printf("%s\ttick=%d\tagents=%d\tsaved_at=%s\n", filepath.Base(p), h.Tick, h.Agents, h.SavedAt)
	}
}

func inspectCmd(args []string) {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	path := fs.String("snapshot", "", "snapshot path (optional; defaults to latest)")
	_ = fs.Parse(args)

	snap := mustRead(resolveSnapshot(*dataDir, *path))
	fmt.Printf("version=%d tick=%d day=%d minute=%d saved_at=%s\n",
		snap.Version, snap.World.Tick, snap.World.Day, snap.World.MinuteOfDay, snap.SavedAt)
	agents := append([]snapshot.AgentRecord(nil), snap.Agents...)
	sort.Slice(agents, func(i, j int) bool { return agents[i].AgentID < agents[j].AgentID })
	for _, a := range agents {
		intent := "-"
		if in := a.Replan.Intent; in != nil {
			intent = string(in.Action)
			if in.Target != "" {
				intent += "@" + string(in.Target)
			}
		}
		fmt.Printf("  %-16s pos=%s state=%s memories=%d/%d intent=%s\n",
			a.AgentID, a.Position, a.State, len(a.Memory.ShortTerm), len(a.Memory.LongTerm), intent)
	}
}

func validateCmd(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	path := fs.String("snapshot", "", "snapshot path (optional; defaults to latest)")
	_ = fs.Parse(args)

	p := resolveSnapshot(*dataDir, *path)
	snap, err := snapshot.ReadFile(p)
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid:", err)
		os.Exit(1)
	}
	fmt.Printf("ok %s tick=%d agents=%d\n", filepath.Base(p), snap.World.Tick, len(snap.Agents))
}

// exportCmd writes the snapshot body as plain JSON, suitable for POST /v1/snapshot.
func exportCmd(args []string) {
	fs := flag.NewFlagSet("export-json", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	path := fs.String("snapshot", "", "snapshot path (optional; defaults to latest)")
	out := fs.String("out", "", "output path (default stdout)")
	_ = fs.Parse(args)

	snap := mustRead(resolveSnapshot(*dataDir, *path))
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, "encode:", err)
		os.Exit(1)
	}
	if strings.TrimSpace(*out) == "" {
		fmt.Println(string(b))
		return
	}
	if err := os.WriteFile(*out, append(b, '\n'), 0o644); err != nil {
		fmt.Fprintln(os.Stderr, "write:", err)
		os.Exit(1)
	}
}

// auditsCmd reads the compressed audit log directly.
func auditsCmd(args []string) {
	fs := flag.NewFlagSet("audits", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	agent := fs.String("agent", "", "agent id filter")
	outcome := fs.String("outcome", "", "outcome filter (ACCEPTED, BLOCKED, ...)")
	since := fs.Uint64("since_tick", 0, "only entries at or after this tick")
	_ = fs.Parse(args)

	entries, err := persistlog.ReadAudit(worldDir(*dataDir))
	if err != nil {
		fmt.Fprintln(os.Stderr, "read audit:", err)
		os.Exit(1)
	}
	enc := json.NewEncoder(os.Stdout)
	for _, e := range entries {
		if e.Tick < *since {
			continue
		}
		if *agent != "" && e.AgentID != *agent {
			continue
		}
		if *outcome != "" && !strings.EqualFold(e.Outcome, *outcome) {
			continue
		}
		_ = enc.Encode(e)
	}
}

func resolveSnapshot(dataDir, path string) string {
	if p := strings.TrimSpace(path); p != "" {
		return p
	}
	paths, err := snapshotFiles(worldDir(dataDir))
	if err != nil || len(paths) == 0 {
		fmt.Fprintln(os.Stderr, "no snapshot found; provide -snapshot or run server until it writes one")
		os.Exit(2)
	}
	return paths[len(paths)-1]
}

func mustRead(path string) snapshot.WorldSnapshot {
	snap, err := snapshot.ReadFile(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}
	return snap
}

// snapshotFiles returns snapshot paths sorted by tick.
func snapshotFiles(worldDir string) ([]string, error) {
	dir := filepath.Join(worldDir, "snapshots")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	type item struct {
		path string
		tick uint64
	}
	var items []item
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".snap.zst") {
			continue
		}
		var tick uint64
		if _, err := fmt.Sscanf(strings.TrimSuffix(e.Name(), ".snap.zst"), "%d", &tick); err != nil {
			continue
		}
		items = append(items, item{path: filepath.Join(dir, e.Name()), tick: tick})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].tick < items[j].tick })
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.path
	}
	return out, nil
}
