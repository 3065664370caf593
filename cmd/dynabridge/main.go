package main

import (
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/crmlabs/dynabridge"
	"github.com/crmlabs/dynabridge/crm"
	"github.com/crmlabs/dynabridge/internal/infrastructure/config"
)

var (
	envFlag      string
	allPagesFlag bool
	limitFlag    int
	simpleFlag   bool
	callerFlag   string

	conn *dynabridge.Connector
)

var rootCmd = &cobra.Command{
	Use:   "dynabridge",
	Short: "Command line client for Dynamics CRM organizations",
	Long: `Command line client for Dynamics CRM organizations.
Connects over SOAP with federated security; connection settings come from
CRM_* environment variables or a .env.{env} file.`,
	PersistentPreRun: setupConnector,
}

var retrieveCmd = &cobra.Command{
	Use:   "retrieve <entity> <id> [columns...]",
	Short: "Fetch one record by id",
	Args:  cobra.MinimumNArgs(2),
	Run:   runRetrieve,
}

var queryCmd = &cobra.Command{
	Use:   "query <fetchxml>",
	Short: "Run a FetchXML query",
	Long:  `Run a FetchXML query. The argument is either inline FetchXML or the path of a file containing it.`,
	Args:  cobra.ExactArgs(1),
	Run:   runQuery,
}

var metadataCmd = &cobra.Command{
	Use:   "metadata <entity>",
	Short: "Show the attribute metadata of an entity type",
	Args:  cobra.ExactArgs(1),
	Run:   runMetadata,
}

var byNameCmd = &cobra.Command{
	Use:   "byname <entity> <name>",
	Short: "Fetch records whose primary name equals the given value",
	Args:  cobra.ExactArgs(2),
	Run:   runByName,
}

var historyCmd = &cobra.Command{
	Use:   "history <entity> <id>",
	Short: "Show the change history of a record, oldest first",
	Args:  cobra.ExactArgs(2),
	Run:   runHistory,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <entity> <id>",
	Short: "Delete a record",
	Args:  cobra.ExactArgs(2),
	Run:   runDelete,
}

var createCmd = &cobra.Command{
	Use:   "create <entity> <attribute=value>...",
	Short: "Create a record from attribute assignments",
	Args:  cobra.MinimumNArgs(2),
	Run:   runCreate,
}

var actionsCmd = &cobra.Command{
	Use:   "actions",
	Short: "Show the SOAP action URIs discovered for this organization",
	Run:   runActions,
}

var setStateCmd = &cobra.Command{
	Use:   "setstate <entity> <id> <state> [status]",
	Short: "Change the state of a record",
	Args:  cobra.RangeArgs(3, 4),
	Run:   runSetState,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&envFlag, "env", "e", "dev", "Environment to use (dev, test, prod)")
	rootCmd.PersistentFlags().StringVar(&callerFlag, "caller", "", "User id to impersonate")

	queryCmd.Flags().BoolVar(&allPagesFlag, "all-pages", false, "Follow paging cookies until the result is complete")
	queryCmd.Flags().IntVar(&limitFlag, "limit", 0, "Cap on records per page")
	queryCmd.Flags().BoolVar(&simpleFlag, "simple", false, "Skip entity metadata, print raw attribute text")

	rootCmd.AddCommand(retrieveCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(metadataCmd)
	rootCmd.AddCommand(byNameCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(setStateCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(actionsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Failed to execute command: %v", err)
	}
}

func setupConnector(cmd *cobra.Command, args []string) {
	if err := config.InitConfig(envFlag); err != nil {
		log.Fatalf("Failed to initialize config: %v", err)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := buildLogger(cfg.Log.Level)

	conn, err = dynabridge.NewWithCredentials(cmd.Context(),
		cfg.CRM.DiscoveryURL, cfg.CRM.Organization, cfg.CRM.Username, cfg.CRM.Password,
		dynabridge.WithLogger(logger),
		dynabridge.WithHTTPClient(cfg.CRM.HTTPClient()),
		dynabridge.WithTimeout(cfg.CRM.Timeout()),
		dynabridge.WithMaxRecords(cfg.CRM.MaxRecords),
	)
	if err != nil {
		log.Fatalf("Failed to connect to %s: %v", cfg.CRM.Organization, err)
	}
	if callerFlag != "" {
		conn.SetCallerID(callerFlag)
	}
}

func buildLogger(level string) *zap.Logger {
	zapCfg := zap.NewProductionConfig()
	if lvl, err := zap.ParseAtomicLevel(level); err == nil {
		zapCfg.Level = lvl
	}
	logger, err := zapCfg.Build()
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	return logger
}

func runRetrieve(cmd *cobra.Command, args []string) {
	entity, err := conn.Retrieve(cmd.Context(), args[0], args[1], args[2:]...)
	if err != nil {
		log.Fatalf("Retrieve failed: %v", err)
	}
	printEntity(entity)
}

func runQuery(cmd *cobra.Command, args []string) {
	query := args[0]
	if data, err := os.ReadFile(query); err == nil {
		query = string(data)
	}
	opts := &dynabridge.QueryOptions{AllPages: allPagesFlag, Limit: limitFlag}

	if simpleFlag {
		col, err := conn.RetrieveMultipleSimple(cmd.Context(), query, opts)
		if err != nil {
			log.Fatalf("Query failed: %v", err)
		}
		for _, record := range col.Records {
			fmt.Printf("%s %s\n", record.LogicalName, record.ID)
			keys := make([]string, 0, len(record.Attributes))
			for k := range record.Attributes {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("  %s: %s\n", k, record.Attributes[k])
			}
		}
		fmt.Printf("%d records, more: %v\n", len(col.Records), col.MoreRecords)
		return
	}

	col, err := conn.RetrieveMultiple(cmd.Context(), query, opts)
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}
	for _, entity := range col.Entities {
		printEntity(entity)
	}
	fmt.Printf("%d records, more: %v\n", len(col.Entities), col.MoreRecords)
}

func runMetadata(cmd *cobra.Command, args []string) {
	schema, err := conn.Schema(cmd.Context(), args[0])
	if err != nil {
		log.Fatalf("Metadata fetch failed: %v", err)
	}
	fmt.Printf("%s (primary id: %s, primary name: %s)\n",
		schema.LogicalName, schema.PrimaryIDAttribute, schema.PrimaryNameAttribute)

	names := make([]string, 0, len(schema.Attributes))
	for name := range schema.Attributes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		attr := schema.Attributes[name]
		flags := ""
		if attr.Mandatory() {
			flags += " required"
		}
		if !attr.Writable() {
			flags += " read-only"
		}
		fmt.Printf("  %s: %s%s\n", attr.LogicalName, attr.Type, flags)
	}
}

func runByName(cmd *cobra.Command, args []string) {
	matches, err := conn.RetrieveByName(cmd.Context(), args[0], args[1])
	if err != nil {
		log.Fatalf("Lookup failed: %v", err)
	}
	for _, entity := range matches {
		printEntity(entity)
	}
	fmt.Printf("%d matches\n", len(matches))
}

func runHistory(cmd *cobra.Command, args []string) {
	target := crm.NewPlaceholder(args[0], args[1], "")
	details, err := conn.RetrieveRecordChangeHistory(cmd.Context(), target)
	if err != nil {
		log.Fatalf("Change history fetch failed: %v", err)
	}
	for _, detail := range details {
		fmt.Printf("%s %v\n", detail.CreatedOn.Format("2006-01-02 15:04:05"), detail.AuditRecord.Get("action"))
		if detail.OldValues != nil {
			for _, name := range detail.OldValues.AttributeNames() {
				fmt.Printf("  %s: %v -> %v\n", name, detail.OldValues.Get(name), valueOf(detail.NewValues, name))
			}
		}
	}
}

func runDelete(cmd *cobra.Command, args []string) {
	target := crm.NewPlaceholder(args[0], args[1], "")
	if err := conn.Delete(cmd.Context(), target); err != nil {
		log.Fatalf("Delete failed: %v", err)
	}
	fmt.Printf("deleted %s %s\n", args[0], args[1])
}

func runSetState(cmd *cobra.Command, args []string) {
	state, err := strconv.Atoi(args[2])
	if err != nil {
		log.Fatalf("Invalid state %q: %v", args[2], err)
	}
	status := -1
	if len(args) == 4 {
		if status, err = strconv.Atoi(args[3]); err != nil {
			log.Fatalf("Invalid status %q: %v", args[3], err)
		}
	}
	target := crm.NewPlaceholder(args[0], args[1], "")
	if err := conn.SetState(cmd.Context(), target, state, status); err != nil {
		log.Fatalf("SetState failed: %v", err)
	}
	fmt.Printf("set %s %s to state %d\n", args[0], args[1], state)
}

func runCreate(cmd *cobra.Command, args []string) {
	entity, err := conn.NewEntity(cmd.Context(), args[0])
	if err != nil {
		log.Fatalf("Metadata fetch failed: %v", err)
	}
	for _, assignment := range args[1:] {
		name, raw, ok := strings.Cut(assignment, "=")
		if !ok {
			log.Fatalf("Invalid assignment %q, want attribute=value", assignment)
		}
		if err := entity.Set(name, parseValue(raw)); err != nil {
			log.Fatalf("Set %s failed: %v", name, err)
		}
	}
	id, err := conn.Create(cmd.Context(), entity)
	if err != nil {
		log.Fatalf("Create failed: %v", err)
	}
	fmt.Printf("created %s %s\n", args[0], id)
}

// parseValue maps a command line token onto the closest typed value; option
// set labels and lookups still resolve from strings in Entity.Set.
func parseValue(raw string) any {
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}

func runActions(cmd *cobra.Command, args []string) {
	actions := conn.SOAPActions()
	operations := make([]string, 0, len(actions))
	for operation := range actions {
		operations = append(operations, operation)
	}
	sort.Strings(operations)
	for _, operation := range operations {
		fmt.Printf("%s: %s\n", operation, actions[operation])
	}
}

func printEntity(e *crm.Entity) {
	fmt.Printf("%s %s\n", e.LogicalName(), e.ID())
	for _, name := range e.AttributeNames() {
		value := e.Get(name)
		if formatted := e.FormattedValue(name); formatted != "" {
			fmt.Printf("  %s: %v (%s)\n", name, value, formatted)
			continue
		}
		fmt.Printf("  %s: %v\n", name, value)
	}
}

func valueOf(e *crm.Entity, name string) any {
	if e == nil {
		return nil
	}
	return e.Get(name)
}
