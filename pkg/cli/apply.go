package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"deckhand/pkg/manifest"
	"deckhand/pkg/model"
)

var applyFiles []string

var applyCmd = &cobra.Command{
	Use:   "apply -f FILE",
	Short: "Apply manifests to the fleet",
	Long: `Apply reads one or more YAML or JSON manifest files ('-' for stdin), places each
resource, and brings every target node to the manifest's content hash.
Unchanged resources are not sent to any node.`,
	Args: cobra.NoArgs,
	RunE: runApply,
}

var (
	deleteFiles     []string
	deleteNamespace string
)

var deleteCmd = &cobra.Command{
	Use:     "delete (-f FILE | KIND NAME)",
	Short:   "Remove resources from every node and the ledger",
	Aliases: []string{"rm"},
	Args:    cobra.RangeArgs(0, 2),
	RunE:    runDelete,
}

func init() {
	applyCmd.Flags().StringArrayVarP(&applyFiles, "filename", "f", nil, "manifest file, or - for stdin")
	_ = applyCmd.MarkFlagRequired("filename")
	deleteCmd.Flags().StringArrayVarP(&deleteFiles, "filename", "f", nil, "manifest file, or - for stdin")
	deleteCmd.Flags().StringVarP(&deleteNamespace, "namespace", "n", "default", "namespace")
	rootCmd.AddCommand(applyCmd, deleteCmd)
}

func readDocuments(files []string) ([]manifest.Document, error) {
	var docs []manifest.Document
	for _, f := range files {
		var r io.Reader
		if f == "-" {
			r = os.Stdin
		} else {
			fh, err := os.Open(f)
			if err != nil {
				return nil, err
			}
			defer fh.Close()
			r = fh
		}
		parsed, err := manifest.Parse(r)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f, err)
		}
		for _, d := range parsed {
			d.Index = len(docs)
			docs = append(docs, d)
		}
	}
	return docs, nil
}

func runApply(cmd *cobra.Command, args []string) error {
	docs, err := readDocuments(applyFiles)
	if err != nil {
		return err
	}
	return withApp(func(a *app) error {
		return finish(a.rec.Apply(cmd.Context(), docs))
	})
}

func runDelete(cmd *cobra.Command, args []string) error {
	switch {
	case len(deleteFiles) > 0 && len(args) > 0:
		return fmt.Errorf("give either -f or KIND NAME, not both")
	case len(deleteFiles) == 0 && len(args) != 2:
		return fmt.Errorf("delete needs -f FILE or KIND NAME")
	}
	var docs []manifest.Document
	if len(deleteFiles) > 0 {
		var err error
		if docs, err = readDocuments(deleteFiles); err != nil {
			return err
		}
	}
	return withApp(func(a *app) error {
		var (
			report *model.Report
			err    error
		)
		if docs != nil {
			report, err = a.rec.RemoveDocuments(cmd.Context(), docs)
		} else {
			key, kerr := parseKey(args[0], args[1], deleteNamespace)
			if kerr != nil {
				return kerr
			}
			report, err = a.rec.Remove(cmd.Context(), key)
		}
		return finish(report, err)
	})
}

// finish prints report and maps it to the command's exit status.
func finish(report *model.Report, err error) error {
	if report != nil {
		printReport(report)
	}
	if err != nil {
		return err
	}
	if report.HasFailures() {
		return errReported
	}
	return nil
}
