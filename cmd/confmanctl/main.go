package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ancrist/confman/pkg/confctl"
)

// Version is set via -ldflags at build time.
var Version = "dev"

var (
	serverAddr string
	authToken  string
	author     string
)

var rootCmd = &cobra.Command{
	Use:     "confmanctl",
	Short:   "CLI client for a confman node",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "http://127.0.0.1:8101", "node HTTP endpoint to talk to")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", "", "bearer token for internal routes")
	rootCmd.PersistentFlags().StringVar(&author, "author", os.Getenv("USER"), "author recorded in the audit log for writes")

	rootCmd.AddCommand(getCmd, setCmd, deleteCmd, listCmd)
	rootCmd.AddCommand(namespaceCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(statusCmd)

	namespaceCmd.AddCommand(namespaceCreateCmd, namespaceGetCmd, namespaceListCmd, namespaceDeleteCmd)
}

func client() *confctl.Client {
	return confctl.New(serverAddr, authToken)
}

var getCmd = &cobra.Command{
	Use:   "get <namespace> <key>",
	Short: "Read one config entry",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		entry, err := client().Get(args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("%s\n", entry.Value)
		return nil
	},
}

var setCmd = &cobra.Command{
	Use:   "set <namespace> <key> <value>",
	Short: "Write a config entry",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		typ, _ := cmd.Flags().GetString("type")
		entry, err := client().Set(args[0], args[1], args[2], typ, author)
		if err != nil {
			return err
		}
		fmt.Printf("✓ set %s/%s (version %d)\n", entry.NS, entry.Key, entry.Version)
		return nil
	},
}

func init() {
	setCmd.Flags().String("type", "string", "value type (string, int, bool, json)")
}

var deleteCmd = &cobra.Command{
	Use:   "delete <namespace> <key>",
	Short: "Delete a config entry",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := client().Delete(args[0], args[1], author); err != nil {
			return err
		}
		fmt.Printf("✓ deleted %s/%s\n", args[0], args[1])
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list <namespace>",
	Short: "List every config entry in a namespace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := client().List(args[0])
		if err != nil {
			return err
		}
		for _, entry := range entries {
			fmt.Printf("%s\t%s\t%s\n", entry.Key, entry.Type, entry.Value)
		}
		return nil
	},
}

var namespaceCmd = &cobra.Command{
	Use:   "namespace",
	Short: "Manage namespaces",
}

var namespaceCreateCmd = &cobra.Command{
	Use:   "create <namespace>",
	Short: "Create or update a namespace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		description, _ := cmd.Flags().GetString("description")
		owner, _ := cmd.Flags().GetString("owner")
		if err := client().SetNamespace(args[0], description, owner, author); err != nil {
			return err
		}
		fmt.Printf("✓ namespace ready: %s\n", args[0])
		return nil
	},
}

func init() {
	namespaceCreateCmd.Flags().String("description", "", "namespace description")
	namespaceCreateCmd.Flags().String("owner", "", "namespace owner")
}

var namespaceGetCmd = &cobra.Command{
	Use:   "get <namespace>",
	Short: "Show namespace metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ns, err := client().GetNamespace(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s\towner=%s\t%s\n", ns.Path, ns.Owner, ns.Description)
		return nil
	},
}

var namespaceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every namespace",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		namespaces, err := client().ListNamespaces()
		if err != nil {
			return err
		}
		for _, ns := range namespaces {
			fmt.Printf("%s\towner=%s\n", ns.Path, ns.Owner)
		}
		return nil
	},
}

var namespaceDeleteCmd = &cobra.Command{
	Use:   "delete <namespace>",
	Short: "Delete a namespace and every entry under it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := client().DeleteNamespace(args[0], author); err != nil {
			return err
		}
		fmt.Printf("✓ namespace deleted: %s\n", args[0])
		return nil
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit <namespace>",
	Short: "Show recent audit events for a namespace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		events, err := client().Audit(args[0], limit)
		if err != nil {
			return err
		}
		for _, ev := range events {
			fmt.Printf("%s\t%s\t%s\t%s\n", ev.Timestamp.Format("2006-01-02T15:04:05Z07:00"), ev.Action, ev.Key, ev.Author)
		}
		return nil
	},
}

func init() {
	auditCmd.Flags().Int("limit", 100, "maximum number of events to return")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the node's readiness status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := client().Ready()
		if err != nil {
			return err
		}
		fmt.Printf("ready=%v role=%s leaderKnown=%v leaderAddr=%s term=%d\n",
			status.Ready, status.Role, status.LeaderKnown, status.LeaderAddr, status.Term)
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
