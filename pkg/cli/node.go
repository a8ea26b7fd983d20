package cli

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"deckhand/pkg/cli/style"
	"deckhand/pkg/model"
)

var nodeCmd = &cobra.Command{
	Use:     "node",
	Short:   "Manage registered nodes",
	Aliases: []string{"nodes"},
}

var (
	nodeHost   string
	nodePeer   string
	nodeSubnet string
	nodePort   int
	nodeUser   string
	nodeKey    string
	nodeForce  bool
	nodeLabels map[string]string
)

var nodeAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Register a node and probe its agent",
	Args:  cobra.ExactArgs(1),
	RunE:  runNodeAdd,
}

var nodeRmCmd = &cobra.Command{
	Use:     "rm NAME",
	Short:   "Deregister a node",
	Aliases: []string{"remove"},
	Args:    cobra.ExactArgs(1),
	RunE:    runNodeRm,
}

var nodeLsCmd = &cobra.Command{
	Use:     "ls",
	Short:   "List registered nodes",
	Aliases: []string{"list"},
	Args:    cobra.NoArgs,
	RunE:    runNodeLs,
}

var nodeCordonCmd = &cobra.Command{
	Use:   "cordon NAME",
	Short: "Stop placing new single-node resources on a node",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return runCordon(cmd, args[0], true) },
}

var nodeUncordonCmd = &cobra.Command{
	Use:   "uncordon NAME",
	Short: "Make a cordoned node schedulable again",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return runCordon(cmd, args[0], false) },
}

func init() {
	nodeAddCmd.Flags().StringVar(&nodeHost, "host", "", "address used to reach the node (required)")
	nodeAddCmd.Flags().StringVar(&nodePeer, "peer-host", "", "inter-node address (defaults to --host)")
	nodeAddCmd.Flags().StringVar(&nodeSubnet, "subnet-cidr", "", "workload address range owned by the node (required)")
	nodeAddCmd.Flags().IntVar(&nodePort, "port", 0, "ssh port (defaults to ssh.port)")
	nodeAddCmd.Flags().StringVar(&nodeUser, "user", "", "ssh user (defaults to ssh.user)")
	nodeAddCmd.Flags().StringVar(&nodeKey, "key", "", "ssh private key (defaults to ssh.key)")
	nodeAddCmd.Flags().StringToStringVar(&nodeLabels, "label", nil, "node label matched by nodeSelector (key=value, repeatable)")
	nodeAddCmd.Flags().BoolVar(&nodeForce, "force", false, "replace an existing node of the same name")
	_ = nodeAddCmd.MarkFlagRequired("host")
	_ = nodeAddCmd.MarkFlagRequired("subnet-cidr")

	nodeCmd.AddCommand(nodeAddCmd, nodeRmCmd, nodeLsCmd, nodeCordonCmd, nodeUncordonCmd)
	rootCmd.AddCommand(nodeCmd)
}

func runNodeAdd(cmd *cobra.Command, args []string) error {
	return withApp(func(a *app) error {
		n, err := a.rec.RegisterNode(cmd.Context(), model.Node{
			Name:        args[0],
			Address:     nodeHost,
			PeerAddress: nodePeer,
			SubnetCIDR:  nodeSubnet,
			Port:        nodePort,
			User:        nodeUser,
			KeyRef:      nodeKey,
			Labels:      nodeLabels,
		}, nodeForce)
		if err != nil {
			return fmt.Errorf("register %s: %w", args[0], err)
		}
		fmt.Printf("%s %s registered (%s, %s)\n", style.HealthDot(n.Health), style.Bold.Render(n.Name), n.Address, n.SubnetCIDR)
		if n.Health != model.HealthHealthy {
			fmt.Println(style.Warning.Render("  agent probe failed: " + n.Message))
		}
		return nil
	})
}

func runNodeRm(cmd *cobra.Command, args []string) error {
	return withApp(func(a *app) error {
		keys, err := a.rec.DeregisterNode(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("deregister %s: %w", args[0], err)
		}
		fmt.Printf("%s deregistered\n", style.Bold.Render(args[0]))
		if len(keys) > 0 {
			fmt.Println(style.Warning.Render(fmt.Sprintf("  %d resource(s) still record a deployment on %s:", len(keys), args[0])))
			for _, k := range keys {
				fmt.Println(style.DimText.Render("    " + k.String()))
			}
		}
		return nil
	})
}

func runNodeLs(cmd *cobra.Command, args []string) error {
	return withApp(func(a *app) error {
		nodes, err := a.rec.ListNodes(cmd.Context())
		if err != nil {
			return fmt.Errorf("list nodes: %w", err)
		}
		if len(nodes) == 0 {
			fmt.Println(style.DimText.Render("No nodes. Run 'deckhand node add' to register one."))
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tHEALTH\tADDRESS\tPEER\tSUBNET\tLABELS\tSCHEDULING\tLAST CONTACT\tAGENT")
		for _, n := range nodes {
			scheduling := "ready"
			if n.Cordoned {
				scheduling = style.Warning.Render("cordoned")
			}
			fmt.Fprintf(w, "%s\t%s %s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				n.Name, style.HealthDot(n.Health), n.Health, n.Address, n.Peer(), n.SubnetCIDR,
				formatLabels(n.Labels), scheduling, since(n.LastContact), n.AgentBuild)
		}
		return w.Flush()
	})
}

func runCordon(cmd *cobra.Command, name string, cordoned bool) error {
	return withApp(func(a *app) error {
		n, err := a.rec.Cordon(cmd.Context(), name, cordoned)
		if n.Name == "" {
			return err
		}
		state := "uncordoned"
		if n.Cordoned {
			state = "cordoned"
		}
		fmt.Printf("%s %s\n", style.Bold.Render(n.Name), state)
		return err
	})
}

func since(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return time.Since(t).Truncate(time.Second).String() + " ago"
}

func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return "-"
	}
	pairs := make([]string, 0, len(labels))
	for k, v := range labels {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}
