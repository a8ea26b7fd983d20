package cli

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"deckhand/pkg/cli/style"
	"deckhand/pkg/manifest"
	"deckhand/pkg/model"
)

var (
	getNamespace  string
	getAll        bool
	descNamespace string
)

var getCmd = &cobra.Command{
	Use:   "get [KIND]",
	Short: "List resources in the ledger",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runGet,
}

var describeCmd = &cobra.Command{
	Use:   "describe KIND NAME",
	Short: "Show a resource's manifest and per-node status",
	Args:  cobra.ExactArgs(2),
	RunE:  runDescribe,
}

func init() {
	getCmd.Flags().StringVarP(&getNamespace, "namespace", "n", "default", "namespace")
	getCmd.Flags().BoolVarP(&getAll, "all-namespaces", "A", false, "list every namespace")
	describeCmd.Flags().StringVarP(&descNamespace, "namespace", "n", "default", "namespace")
	rootCmd.AddCommand(getCmd, describeCmd)
}

func parseKey(kind, name, namespace string) (model.ResourceKey, error) {
	k, err := model.ParseKind(kind)
	if err != nil {
		return model.ResourceKey{}, err
	}
	if namespace == "" {
		namespace = model.DefaultNamespace
	}
	return model.ResourceKey{Kind: k, Name: name, Namespace: namespace}, nil
}

func runGet(cmd *cobra.Command, args []string) error {
	filter := model.ResourceFilter{Namespace: getNamespace}
	if getAll {
		filter.Namespace = ""
	}
	if len(args) == 1 {
		k, err := model.ParseKind(args[0])
		if err != nil {
			return err
		}
		filter.Kind = k
	}
	return withApp(func(a *app) error {
		recs, err := a.rec.List(cmd.Context(), filter)
		if err != nil {
			return fmt.Errorf("list resources: %w", err)
		}
		if len(recs) == 0 {
			fmt.Println(style.DimText.Render("No resources found."))
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "KIND\tNAMESPACE\tNAME\tHASH\tNODES\tSTATUS")
		for _, rec := range recs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				rec.Key.Kind, rec.Key.Namespace, rec.Key.Name, shortHash(rec.Hash),
				strings.Join(rec.Nodes(), ","), rollup(rec))
		}
		return w.Flush()
	})
}

// rollup summarizes how many entries run the desired hash.
func rollup(rec model.ResourceRecord) string {
	current := 0
	for _, d := range rec.Deployments {
		if d.AppliedHash == rec.Hash {
			current++
		}
	}
	s := fmt.Sprintf("%d/%d current", current, len(rec.Deployments))
	if current < len(rec.Deployments) {
		return style.Warning.Render(s)
	}
	return s
}

func runDescribe(cmd *cobra.Command, args []string) error {
	key, err := parseKey(args[0], args[1], descNamespace)
	if err != nil {
		return err
	}
	return withApp(func(a *app) error {
		desc, err := a.rec.Describe(cmd.Context(), key)
		if err != nil {
			return fmt.Errorf("describe %s: %w", key, err)
		}
		rec := desc.Record
		fmt.Println(style.Banner.Render(key.String()))
		fmt.Println(style.Key.Render("Hash") + style.Val.Render(rec.Hash))
		fmt.Println(style.Key.Render("Version") + style.Val.Render(fmt.Sprint(rec.Version)))
		fmt.Println(style.Key.Render("Created") + style.Val.Render(rec.CreatedAt.Format("2006-01-02 15:04:05")))
		fmt.Println(style.Key.Render("Updated") + style.Val.Render(rec.UpdatedAt.Format("2006-01-02 15:04:05")))
		fmt.Println()

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NODE\tHEALTH\tAPPLIED\tLAST RESULT\tLAST ATTEMPT\tERROR")
		for _, name := range rec.Nodes() {
			d := rec.Deployments[name]
			health := style.Unhealthy.Render("not registered")
			if n, ok := desc.Nodes[name]; ok {
				health = style.HealthDot(n.Health) + " " + string(n.Health)
			}
			applied := shortHash(d.AppliedHash)
			if d.AppliedHash != rec.Hash {
				applied = style.Warning.Render(applied + " (stale)")
			}
			result := style.Outcome(d.LastResult)
			if d.Pending {
				result += style.Warning.Render(" pending")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", name, health, applied, result, since(d.LastAttempt), d.LastError)
		}
		if err := w.Flush(); err != nil {
			return err
		}

		obj, err := manifest.Decode(rec.Manifest)
		if err != nil {
			return err
		}
		if key.Kind == model.KindSecret {
			redact(obj)
		}
		out, err := yaml.Marshal(obj)
		if err != nil {
			return err
		}
		fmt.Println()
		fmt.Print(string(out))
		return nil
	})
}

func shortHash(h string) string {
	if h == "" {
		return "-"
	}
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// redact hides secret values, keeping the keys.
func redact(obj map[string]any) {
	for _, field := range []string{"data", "stringData"} {
		m, ok := obj[field].(map[string]any)
		if !ok {
			continue
		}
		for k := range m {
			m[k] = "<redacted>"
		}
	}
}
