package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/3leaps/jobtrail/pkg/workflow"
)

var datafileCmd = &cobra.Command{
	Use:   "datafile",
	Short: "Track produced data files per site",
}

var datafileRegisterCmd = &cobra.Command{
	Use:   "register <filename> <site>",
	Short: "Register a data file",
	Args:  cobra.ExactArgs(2),
	RunE:  runDatafileRegister,
}

var datafileListCmd = &cobra.Command{
	Use:   "list",
	Short: "List data files",
	Args:  cobra.NoArgs,
	RunE:  runDatafileList,
}

var datafileStatusCmd = &cobra.Command{
	Use:   "status <id> <New|Copied|Orphaned>",
	Short: "Set a data file's status",
	Args:  cobra.ExactArgs(2),
	RunE:  runDatafileStatus,
}

func init() {
	rootCmd.AddCommand(datafileCmd)
	datafileCmd.AddCommand(datafileRegisterCmd, datafileListCmd, datafileStatusCmd)

	datafileRegisterCmd.Flags().String("type", workflow.DefaultFileType, "File type")
	datafileListCmd.Flags().String("site", "", "Only files at this site")
	datafileListCmd.Flags().String("status", "", "Only files with this status")
	addJSONFlag(datafileListCmd)
}

func runDatafileRegister(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	fileType, _ := cmd.Flags().GetString("type")

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	f := &workflow.DataFile{Filename: args[0], Site: args[1], FileType: fileType}
	if err := a.manager.RegisterDataFile(ctx, a.store, f); err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), f.ID)
	return err
}

func runDatafileList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	var filter workflow.DataFileFilter
	filter.Site, _ = cmd.Flags().GetString("site")
	if raw, _ := cmd.Flags().GetString("status"); raw != "" {
		st, err := workflow.ParseFileStatus(raw)
		if err != nil {
			return err
		}
		filter.Status = st
	}

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	files, err := a.store.ListDataFiles(ctx, filter)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if wantJSON(cmd) {
		if files == nil {
			files = []*workflow.DataFile{}
		}
		return printJSON(out, files)
	}
	w := newTable(out)
	defer func() { _ = w.Flush() }()
	_, _ = fmt.Fprintln(w, "ID\tFILENAME\tSITE\tTYPE\tSTATUS\tCREATED")
	for _, f := range files {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			f.ID, f.Filename, f.Site, f.FileType, f.Status, formatTime(f.CreatedAt))
	}
	return nil
}

func runDatafileStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	st, err := workflow.ParseFileStatus(args[1])
	if err != nil {
		return err
	}

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	return a.manager.SetDataFileStatus(ctx, a.store, args[0], st)
}
