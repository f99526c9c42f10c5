package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"sandboxd/runtime"
	"sandboxd/session"
)

var (
	execSession   string
	execLang      string
	execCodeFile  string
	execInstalls  []string
	execUploads   []string
	execDownloads []string
	execList      bool
)

func init() {
	rootCmd.AddCommand(execCmd)
	execCmd.Flags().StringVar(&execSession, "session", "", "session id (default: a fresh one)")
	execCmd.Flags().StringVar(&execLang, "lang", "python", "python, bash, or r")
	execCmd.Flags().StringVar(&execCodeFile, "file", "", "read code from a file instead of the argument")
	execCmd.Flags().StringArrayVar(&execInstalls, "install", nil, "package to install before running (repeatable)")
	execCmd.Flags().StringArrayVar(&execUploads, "upload", nil, "local:remote file to stage before running (repeatable)")
	execCmd.Flags().StringArrayVar(&execDownloads, "download", nil, "remote:local file to fetch after running (repeatable)")
	execCmd.Flags().BoolVar(&execList, "list", false, "list working directory contents after running")
}

var execCmd = &cobra.Command{
	Use:   "exec [code]",
	Short: "Execute code in a sandbox session",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		code, err := readCode(args)
		if err != nil {
			return err
		}
		id := execSession
		if id == "" {
			id = uuid.NewString()
		}
		return withManager(func(ctx context.Context, m *session.Manager) error {
			return runExec(ctx, m, id, runtime.Language(execLang), code)
		})
	},
}

func readCode(args []string) (string, error) {
	if execCodeFile != "" {
		data, err := os.ReadFile(execCodeFile)
		if err != nil {
			return "", fmt.Errorf("read code file: %w", err)
		}
		return string(data), nil
	}
	if len(args) == 1 {
		return args[0], nil
	}
	return "", fmt.Errorf("pass code as an argument or via --file")
}

func runExec(ctx context.Context, m *session.Manager, id string, lang runtime.Language, code string) error {
	for _, pkg := range execInstalls {
		if err := m.InstallPackage(ctx, id, pkg); err != nil {
			return fmt.Errorf("install %s: %w", pkg, err)
		}
	}
	for _, pair := range execUploads {
		local, remote, err := splitPair(pair)
		if err != nil {
			return err
		}
		if err := m.Upload(ctx, id, local, remote); err != nil {
			return fmt.Errorf("upload %s: %w", local, err)
		}
	}

	res, execErr := m.Execute(ctx, id, lang, code)
	printResult(id, res)
	if execErr != nil {
		return execErr
	}

	for _, pair := range execDownloads {
		remote, local, err := splitPair(pair)
		if err != nil {
			return err
		}
		if err := m.Download(ctx, id, remote, local); err != nil {
			return fmt.Errorf("download %s: %w", remote, err)
		}
		fmt.Printf("downloaded %s -> %s\n", remote, local)
	}
	if execList {
		files, err := m.ListFiles(ctx, id, "")
		if err != nil {
			return err
		}
		for _, f := range files {
			fmt.Println(f)
		}
	}
	return nil
}

func splitPair(pair string) (string, string, error) {
	parts := strings.SplitN(pair, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("expected from:to, got %q", pair)
	}
	return parts[0], parts[1], nil
}

func printResult(id string, res runtime.ExecutionResult) {
	if res.Stdout != "" {
		fmt.Print(res.Stdout)
	}
	if res.Stderr != "" {
		fmt.Fprint(os.Stderr, res.Stderr)
	}
	for _, w := range res.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}
	for _, a := range res.Artifacts {
		switch a.Kind {
		case runtime.FileInline:
			fmt.Fprintf(os.Stderr, "artifact %s (%s, %d bytes, inline)\n", a.Name, a.MIMEType, a.Size)
		case runtime.FileExternal:
			fmt.Fprintf(os.Stderr, "artifact %s (%s, %d bytes) %s expires %s\n",
				a.Name, a.MIMEType, a.Size, a.URL, a.ExpiresAt.Format("15:04:05"))
		}
	}
	if res.ExitCode != 0 {
		fmt.Fprintf(os.Stderr, "session %s: exit code %d\n", id, res.ExitCode)
	}
}
