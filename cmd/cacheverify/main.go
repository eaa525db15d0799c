// Command cacheverify checks the integrity of a record store directory
// offline: key layout, per-day record placement, id uniqueness and coverage
// metadata. The service must be stopped, or the store copied, since the
// directory is opened read-only.
//
// Usage:
//
//	go run ./cmd/cacheverify -path data/cache -region us
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	"github.com/goccy/go-json"

	"github.com/couchcryptid/quake-cache-service/internal/adapter/store"
	"github.com/couchcryptid/quake-cache-service/internal/domain"
)

// phase tracks pass/fail for a verification phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

// storedDay is one decoded store row.
type storedDay struct {
	key   domain.DayKey
	entry domain.DayCacheEntry
	size  int
}

func main() {
	path := flag.String("path", "", "badger directory of the record store")
	region := flag.String("region", "", "only verify this region scope (default: all)")
	flag.Parse()

	if *path == "" {
		flag.Usage()
		os.Exit(1)
	}
	if code := run(*path, *region, os.Stdout); code != 0 {
		os.Exit(code)
	}
}

func run(path, region string, out io.Writer) int {
	if region != "" {
		if _, err := domain.LookupRegion(region); err != nil {
			fmt.Fprintf(out, "FATAL: %v\n", err)
			return 1
		}
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := store.OpenBadger(path, true, logger)
	if err != nil {
		fmt.Fprintf(out, "FATAL: %v\n", err)
		return 1
	}
	defer db.Close()

	fmt.Fprintln(out, "=== Record Store Verification ===")
	fmt.Fprintln(out)

	keys := &phase{name: "Key layout"}
	var days []storedDay
	err = db.ScanRaw(context.Background(), func(rawKey, value []byte) error {
		key, err := store.DecodeKey(rawKey)
		if err != nil {
			keys.errorf("%v", err)
			return nil
		}
		if region != "" && key.Scope != region {
			return nil
		}
		if _, err := domain.LookupRegion(key.Scope); err != nil {
			keys.errorf("%s: %v", key, err)
		}
		var entry domain.DayCacheEntry
		if err := json.Unmarshal(value, &entry); err != nil {
			keys.errorf("%s: decode entry: %v", key, err)
			return nil
		}
		days = append(days, storedDay{key: key, entry: entry, size: len(value)})
		return nil
	})
	if err != nil {
		fmt.Fprintf(out, "FATAL: scan store: %v\n", err)
		return 1
	}

	phases := []*phase{
		keys,
		verifyPlacement(days),
		verifyUniqueness(days),
		verifyCoverage(days),
	}

	fmt.Fprintln(out)
	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Fprintf(out, "  %-42s %s\n", p.name, status)
	}

	fmt.Fprintln(out)
	printSummary(out, days)

	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Fprintf(out, "\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			fmt.Fprintf(out, "  [%d] %s\n", i+1, e)
		}
	}

	if allPassed {
		fmt.Fprintln(out, "\nAll checks passed.")
		return 0
	}
	fmt.Fprintln(out, "\nVerification FAILED.")
	return 1
}

// verifyPlacement checks that each entry sits under its own key and only
// holds records of that UTC day.
func verifyPlacement(days []storedDay) *phase {
	p := &phase{name: "Record placement"}
	for _, d := range days {
		if d.entry.Key != d.key {
			p.errorf("%s: entry claims key %s", d.key, d.entry.Key)
		}
		if d.entry.Records == nil {
			p.errorf("%s: records is null (empty days must store [])", d.key)
		}
		for _, r := range d.entry.Records {
			if r.ID == "" {
				p.errorf("%s: record without id", d.key)
			}
			if r.Day() != d.key.Date {
				p.errorf("%s: record %s belongs to %s", d.key, r.ID, r.Day())
			}
		}
	}
	return p
}

// verifyUniqueness checks that an event id appears at most once per scope.
func verifyUniqueness(days []storedDay) *phase {
	p := &phase{name: "Event id uniqueness"}
	seen := make(map[string]map[string]domain.DayKey)
	for _, d := range days {
		ids, ok := seen[d.key.Scope]
		if !ok {
			ids = make(map[string]domain.DayKey)
			seen[d.key.Scope] = ids
		}
		for _, r := range d.entry.Records {
			if first, dup := ids[r.ID]; dup {
				p.errorf("%s: id %s also stored under %s", d.key, r.ID, first)
				continue
			}
			ids[r.ID] = d.key
		}
	}
	return p
}

// verifyCoverage checks fetch metadata and that every record lies inside the
// magnitude range the day was fetched with.
func verifyCoverage(days []storedDay) *phase {
	p := &phase{name: "Coverage metadata"}
	for _, d := range days {
		if err := d.entry.Coverage.Validate(); err != nil {
			p.errorf("%s: %v", d.key, err)
			continue
		}
		if d.entry.FetchedAtMs <= 0 {
			p.errorf("%s: missing fetch timestamp", d.key)
		}
		for _, r := range d.entry.Records {
			if r.Magnitude != nil && !d.entry.Coverage.Contains(r.Magnitude) {
				p.errorf("%s: record %s magnitude outside coverage [%g, %g]",
					d.key, r.ID, d.entry.Coverage.Min, d.entry.Coverage.Max)
			}
		}
	}
	return p
}

func printSummary(out io.Writer, days []storedDay) {
	type totals struct {
		days, records, stale, bytes int
	}
	now := domain.Now()
	byScope := make(map[string]*totals)
	for _, d := range days {
		t, ok := byScope[d.key.Scope]
		if !ok {
			t = &totals{}
			byScope[d.key.Scope] = t
		}
		t.days++
		t.records += len(d.entry.Records)
		t.bytes += d.size
		if domain.IsStale(&d.entry, now) {
			t.stale++
		}
	}

	scopes := make([]string, 0, len(byScope))
	for s := range byScope {
		scopes = append(scopes, s)
	}
	sort.Strings(scopes)

	if len(scopes) == 0 {
		fmt.Fprintln(out, "Store is empty.")
		return
	}
	for _, s := range scopes {
		t := byScope[s]
		fmt.Fprintf(out, "%-8s %5d days, %7d records, %4d stale, %d bytes\n", s, t.days, t.records, t.stale, t.bytes)
	}
}
