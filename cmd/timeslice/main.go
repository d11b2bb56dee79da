package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/tinyrange/mos/internal/timeslice"
)

type stageRecord struct {
	Name   string
	Flags  timeslice.KindFlags
	Count  int
	Failed int
	Sum    time.Duration
	Min    time.Duration
	Max    time.Duration
}

func (r *stageRecord) String() string {
	return fmt.Sprintf("% 24s flags=% 12s count=% 8d failed=% 6d sum=% 16s min=% 16s max=% 16s avg=% 16s",
		r.Name, r.Flags, r.Count, r.Failed,
		r.Sum,
		r.Min,
		r.Max,
		r.Sum/time.Duration(r.Count),
	)
}

func (r *stageRecord) Add(rec timeslice.Record) {
	r.Count++
	if rec.Failed {
		r.Failed++
	}
	r.Sum += rec.Duration
	if r.Min == 0 || rec.Duration < r.Min {
		r.Min = rec.Duration
	}
	if r.Max == 0 || rec.Duration > r.Max {
		r.Max = rec.Duration
	}
}

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	filename := fs.String("filename", "", "Timeslice file to read")
	sums := fs.Bool("sums", false, "Print per stage sums instead of every record")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	if *filename == "" {
		fs.Usage()
		os.Exit(1)
	}

	f, err := os.Open(*filename)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open timeslice file: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	if err := dump(f, os.Stdout, *sums); err != nil {
		fmt.Fprintf(os.Stderr, "failed to read timeslice file: %v\n", err)
		os.Exit(1)
	}
}

func dump(r io.Reader, w io.Writer, sums bool) error {
	if !sums {
		return timeslice.ReadAll(r, func(kind timeslice.KindInfo, rec timeslice.Record) error {
			status := "ok"
			if rec.Failed {
				status = "failed"
			}
			_, err := fmt.Fprintf(w, "%08x %s %s %s %s\n", rec.Env, kind.Name, kind.Flags, status, rec.Duration)
			return err
		})
	}

	records := map[string]*stageRecord{}
	displayOrder := []string{}
	if err := timeslice.ReadAll(r, func(kind timeslice.KindInfo, rec timeslice.Record) error {
		record, ok := records[kind.Name]
		if !ok {
			displayOrder = append(displayOrder, kind.Name)
			record = &stageRecord{Name: kind.Name, Flags: kind.Flags}
			records[kind.Name] = record
		}
		record.Add(rec)
		return nil
	}); err != nil {
		return err
	}
	for _, name := range displayOrder {
		if _, err := fmt.Fprintf(w, "%s\n", records[name]); err != nil {
			return err
		}
	}
	return nil
}
