package cli

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"deckhand/pkg/cli/style"
	"deckhand/pkg/model"
)

func printReport(r *model.Report) {
	if len(r.Rejections) > 0 {
		fmt.Println(style.Unhealthy.Render("Rejected:"))
		for _, rej := range r.Rejections {
			fmt.Println("  " + style.DotUnhealthy + " " + rej.Error)
		}
		fmt.Println()
	}
	if len(r.Units) > 0 {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "RESOURCE\tNODE\tOP\tOUTCOME\tTIME\tDETAIL")
		for _, u := range r.Units {
			detail := u.Reason
			if u.Error != "" {
				detail = u.Error
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				u.Key, u.Node, u.Op, style.Outcome(u.Outcome), duration(u.Duration), detail)
		}
		w.Flush()
	}
	fmt.Println(style.Status(r.Status(), fmt.Sprintf("  %s %s: %s  ", r.Operation, r.Status(), counts(r))))
	fmt.Println(style.DimText.Render("run " + r.RunID))
}

func counts(r *model.Report) string {
	c := r.Counts()
	parts := make([]string, 0, len(c)+1)
	for o, n := range c {
		parts = append(parts, fmt.Sprintf("%d %s", n, strings.ToLower(string(o))))
	}
	sort.Strings(parts)
	if len(r.Rejections) > 0 {
		parts = append(parts, fmt.Sprintf("%d rejected", len(r.Rejections)))
	}
	if len(parts) == 0 {
		return "nothing to do"
	}
	return strings.Join(parts, ", ")
}

func duration(d time.Duration) string {
	if d == 0 {
		return "-"
	}
	return d.Round(time.Millisecond).String()
}

func printRefresh(r *model.RefreshReport) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NODE\tHEALTH\tRUNNING\tSCHEDULING\tERROR")
	for _, n := range r.Nodes {
		scheduling := "ready"
		if n.Cordoned {
			scheduling = style.Warning.Render("cordoned")
		}
		fmt.Fprintf(w, "%s\t%s %s\t%d\t%s\t%s\n", n.Node, style.HealthDot(n.Health), n.Health, n.Running, scheduling, n.Error)
	}
	w.Flush()

	if len(r.Drift) == 0 {
		fmt.Println(style.SuccessBox.Render("  no drift  "))
		return
	}
	fmt.Println()
	w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RESOURCE\tNODE\tDRIFT\tRECORDED\tOBSERVED")
	for _, d := range r.Drift {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", d.Key, d.Node, style.Warning.Render(string(d.Drift)), shortHash(d.Recorded), shortHash(d.Observed))
	}
	w.Flush()
	fmt.Println(style.DimText.Render("run " + r.RunID))
}
