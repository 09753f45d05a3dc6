package main

import (
	"flag"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/tinyrange/vhostfs/internal/trace"
)

func run() error {
	list := flag.Bool("list", false, "list all sources in the journal")
	timeRange := flag.Bool("range", false, "print the earliest and latest timestamps")
	source := flag.String("source", "", "regex to filter sources")
	match := flag.String("match", "", "regex to filter records")
	limit := flag.Int("limit", 100, "limit the number of records (0 for unlimited)")
	tail := flag.Bool("tail", false, "show last N records instead of first N")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `fstrace - inspect vhost-fs trace journals

USAGE:
  fstrace [flags] <filename>

FLAGS:
  -list          List all unique source names in the journal, one per line
  -range         Show earliest/latest timestamps and total duration
  -source REGEX  Only show records whose source matches regex (Go regexp syntax)
  -match REGEX   Only show records whose payload matches regex (Go regexp syntax)
  -limit N       Max records to return (default: 100). Errors if exceeded; use -tail or 0 for unlimited
  -tail          Show last N records instead of first N (combine with -limit)

OUTPUT FORMAT:
  Each record is printed as: TIMESTAMP [SOURCE] PAYLOAD
  Timestamps are RFC3339Nano format (e.g. 2024-01-15T10:30:00.123456789Z)

EXAMPLES:
  fstrace trace.bin                        Show records (errors if >100)
  fstrace -tail trace.bin                  Show last 100 records
  fstrace -limit 0 trace.bin               Show all records (no limit)
  fstrace -list trace.bin                  List all source names
  fstrace -range trace.bin                 Show time range of the journal
  fstrace -source '^vhost' trace.bin       Records from sources starting with "vhost"
  fstrace -match 'cache_offset' trace.bin  Records mentioning a cache offset
`)
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	reader, closer, err := trace.NewReaderFromFile(flag.Arg(0))
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer closer.Close()

	if *list {
		sources, err := reader.Sources()
		if err != nil {
			return fmt.Errorf("read journal: %w", err)
		}
		for _, src := range sources {
			fmt.Println(src)
		}
		return nil
	}

	if *timeRange {
		earliest, latest, err := reader.TimeRange()
		if err != nil {
			return fmt.Errorf("read journal: %w", err)
		}
		fmt.Printf("earliest: %s\nlatest:   %s\nduration: %s\n", earliest, latest, latest.Sub(earliest))
		return nil
	}

	var sourceRe, matchRe *regexp.Regexp
	if *source != "" {
		sourceRe, err = regexp.Compile(*source)
		if err != nil {
			return fmt.Errorf("invalid source regex: %w", err)
		}
	}
	if *match != "" {
		matchRe, err = regexp.Compile(*match)
		if err != nil {
			return fmt.Errorf("invalid match regex: %w", err)
		}
	}

	type entry struct {
		ts     time.Time
		source string
		data   []byte
	}
	var entries []entry

	if err := reader.Each(func(ts time.Time, kind trace.Kind, src string, data []byte) error {
		if sourceRe != nil && !sourceRe.MatchString(src) {
			return nil
		}
		if matchRe != nil && !matchRe.MatchString(string(data)) {
			return nil
		}
		entries = append(entries, entry{ts: ts, source: src, data: data})
		return nil
	}); err != nil {
		return fmt.Errorf("read journal: %w", err)
	}

	if *limit > 0 && len(entries) > *limit {
		switch {
		case *tail:
			entries = entries[len(entries)-*limit:]
		case *limit == 100:
			// The default limit guards against dumping a huge journal by
			// accident; an explicit -limit truncates instead.
			return fmt.Errorf("too many records: %d (limit is %d); use -tail, -limit N, or -limit 0", len(entries), *limit)
		default:
			entries = entries[:*limit]
		}
	}

	for _, e := range entries {
		fmt.Printf("%s [%s] %s\n", e.ts.Format(time.RFC3339Nano), e.source, string(e.data))
	}

	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fstrace: %v\n", err)
		os.Exit(1)
	}
}
