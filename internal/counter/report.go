package counter

import (
	"io"
	"slices"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

// WriteReport writes a human readable summary of r: the score, every
// check and the counts of all categories, sorted by name.
func (r Result) WriteReport(w io.Writer) error {
	status := "PASS"
	if !r.Passed() {
		status = "FAIL"
	}
	if _, err := printer.Fprintf(w, "score %d %s\n", r.Score, status); err != nil {
		return err
	}

	for _, c := range r.Checks {
		mark := "ok"
		if !c.Passed {
			mark = "FAILED"
		}
		count := "-"
		if c.Count != nil {
			count = printer.Sprintf("%d", *c.Count)
		}
		line := "check " + c.Name + " " + mark + " count=" + count + " expected=" + c.Expected
		if c.Detail != "" {
			line += " (" + c.Detail + ")"
		}
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			return err
		}
	}

	keys := make([]string, 0, len(r.Counts))
	for k := range r.Counts {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if _, err := printer.Fprintf(w, "count %s %d\n", k, r.Counts[k]); err != nil {
			return err
		}
	}
	return nil
}
