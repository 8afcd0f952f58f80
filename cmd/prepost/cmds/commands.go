package cmds

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/prepost/prepost/pkg/artifact"
	"github.com/prepost/prepost/pkg/casetable"
	"github.com/prepost/prepost/pkg/config"
	"github.com/prepost/prepost/pkg/logflags"
	"github.com/prepost/prepost/pkg/report"
	"github.com/prepost/prepost/pkg/symsize"
	"github.com/prepost/prepost/pkg/verify"
	"github.com/prepost/prepost/pkg/version"
)

// Exit statuses.
const (
	exitOK      = 0
	exitFailed  = 1
	exitSetup   = 2
	exitUsage   = 2
	exitGeneric = 1
)

const prepostCommandLongDesc = `prepost checks that a code-size reducing compiler pass shrank a set of
methods by exactly the expected amount.

Two builds of the same program are compared: one produced without the pass
(the "before" artifact) and one produced with it (the "after" artifact).
Artifacts may be DEX files, APK/JAR archives containing classes*.dex, or ELF
binaries. For every case of a case table the size of the named method is
measured in both artifacts and the difference is compared with the expected
delta.

The before and after artifacts are taken, in increasing order of priority,
from the configuration file, the dex_pre and dex_post environment variables
and the --before and --after flags.`

// exitError carries the process exit status out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

// colorMode is the value of the --color flag.
type colorMode string

var _ pflag.Value = (*colorMode)(nil)

func (m *colorMode) String() string { return string(*m) }

func (m *colorMode) Set(s string) error {
	switch s {
	case "auto", "always", "never":
		*m = colorMode(s)
		return nil
	}
	return fmt.Errorf("must be auto, always or never")
}

func (m *colorMode) Type() string { return "mode" }

type app struct {
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// color is the color mode of reports, empty to use the configuration.
	color colorMode
	// configPath overrides the configuration file location.
	configPath string

	before string
	after  string
	class  string

	// stdout is used instead of the process standard output when set.
	stdout io.Writer
	stderr io.Writer

	conf *config.Config
}

func newApp(stdout, stderr io.Writer) *app {
	if stderr == nil {
		stderr = os.Stderr
	}
	return &app{stdout: stdout, stderr: stderr}
}

// command returns an initialized command tree.
func (a *app) command() *cobra.Command {
	rootCommand := &cobra.Command{
		Use:   "prepost",
		Short: "prepost verifies the code size effect of a compiler pass.",
		Long:  prepostCommandLongDesc,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := logflags.Setup(a.log, a.logOutput, a.logDest); err != nil {
				return &exitError{code: exitUsage, err: err}
			}
			return a.loadConfig()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCommand.PersistentFlags().BoolVarP(&a.log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&a.logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'prepost help log')`)
	rootCommand.PersistentFlags().StringVarP(&a.logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'prepost help log').")
	rootCommand.PersistentFlags().Var(&a.color, "color", "Colorize output: auto, always or never (default from the configuration file).")
	rootCommand.PersistentFlags().StringVar(&a.configPath, "config", "", "Configuration file (default $"+config.EnvConfig+" or ~/.prepost/config.yml).")

	// 'verify' subcommand.
	verifyCommand := &cobra.Command{
		Use:   "verify [casefile]",
		Short: "Check a case table against the before and after artifacts.",
		Long: `Check a case table against the before and after artifacts.

The case table is a Starlark file that assigns the descriptor of the class
under test to class_name and calls case(name, delta) once per method:

	class_name = "Lcom/facebook/redex/test/instr/SimplifyString;"
	case("test_Coalesce_InitVoid_AppendString", 4)

If no case file is given the one named by the configuration file is used.
The exit status is 1 if any case fails and 2 if the verification could not
be carried out.`,
		Args: cobra.MaximumNArgs(1),
		RunE: a.verifyCmd,
	}
	verifyCommand.Flags().StringVar(&a.before, "before", "", "Artifact built without the pass (overrides $"+config.EnvBefore+").")
	verifyCommand.Flags().StringVar(&a.after, "after", "", "Artifact built with the pass (overrides $"+config.EnvAfter+").")
	verifyCommand.Flags().StringVar(&a.class, "class", "", "Class under test, overrides class_name of the case file.")
	rootCommand.AddCommand(verifyCommand)

	// 'sizes' subcommand.
	sizesCommand := &cobra.Command{
		Use:   "sizes <artifact> [method...]",
		Short: "Print method sizes of a class.",
		Long: `Print method sizes of a class.

Without --class the classes defined by the artifact are listed. With --class
and no method names, every virtual method of the class is printed with its
size in code units (instructions for ELF binaries). With method names only
those are measured, and a missing or ambiguous name is an error.`,
		Args: cobra.MinimumNArgs(1),
		RunE: a.sizesCmd,
	}
	sizesCommand.Flags().StringVar(&a.class, "class", "", "Class to inspect.")
	rootCommand.AddCommand(sizesCommand)

	// 'config' subcommand.
	configCommand := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration.",
		Args:  cobra.NoArgs,
		RunE:  a.configCmd,
	}
	configCommand.Flags().Bool("init", false, "Write a default configuration file if none exists.")
	rootCommand.AddCommand(configCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(a.out(), "prepost\n%s\n\n%s", version.PrepostVersion, version.BuildInfo())
			return nil
		},
	}
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	artifact	Log artifact loading and parsing context lifetime
	symsize		Log class and method lookups
	verify		Log measured sizes and case results (default)
	casetable	Log output of print() calls in case files

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.
`,
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

// Main runs the command line with args and returns the exit status.
func Main(args []string) int {
	return newApp(nil, nil).run(args)
}

func (a *app) run(args []string) int {
	defer logflags.Close()
	cmd := a.command()
	cmd.SetArgs(args)
	if a.stdout != nil {
		cmd.SetOut(a.stdout)
	}
	cmd.SetErr(a.stderr)
	err := cmd.Execute()
	if err == nil {
		return exitOK
	}
	var exit *exitError
	if errors.As(err, &exit) {
		if exit.err != nil {
			fmt.Fprintf(a.stderr, "Error: %v\n", exit.err)
		}
		return exit.code
	}
	fmt.Fprintf(a.stderr, "Error: %v\n", err)
	return exitGeneric
}

func (a *app) out() io.Writer {
	if a.stdout != nil {
		return a.stdout
	}
	return os.Stdout
}

// output returns the writer reports go to and whether they are colorized.
func (a *app) output() (io.Writer, bool, error) {
	mode := string(a.color)
	if mode == "" {
		mode = a.conf.Color
	}
	if a.stdout != nil {
		switch mode {
		case "always":
			return a.stdout, true, nil
		case "auto", "never", "":
			return a.stdout, false, nil
		}
		return nil, false, fmt.Errorf("unknown color mode %q", mode)
	}
	return report.Stdout(mode)
}

func (a *app) loadConfig() error {
	var err error
	if a.configPath != "" {
		a.conf, err = config.LoadConfigFile(a.configPath)
		if err == nil {
			a.conf.ApplyEnv(os.Getenv)
		}
	} else {
		a.conf, err = config.LoadConfig()
	}
	if err != nil {
		return &exitError{code: exitSetup, err: err}
	}
	return nil
}

func (a *app) verifyCmd(cmd *cobra.Command, args []string) error {
	casefile := a.conf.Cases
	if len(args) > 0 {
		casefile = args[0]
	}
	if casefile == "" {
		return &exitError{code: exitUsage, err: errors.New("you must provide a case file")}
	}
	table, err := casetable.Load(casefile)
	if err != nil {
		return &exitError{code: exitSetup, err: err}
	}
	if a.class != "" {
		table.ClassName = a.class
	}

	conf := *a.conf
	if a.before != "" {
		conf.Before = a.before
	}
	if a.after != "" {
		conf.After = a.after
	}
	switch {
	case conf.Before == "":
		return &exitError{code: exitSetup, err: fmt.Errorf("no before artifact: set $%s or use --before", config.EnvBefore)}
	case conf.After == "":
		return &exitError{code: exitSetup, err: fmt.Errorf("no after artifact: set $%s or use --after", config.EnvAfter)}
	}

	w, color, err := a.output()
	if err != nil {
		return &exitError{code: exitUsage, err: err}
	}
	v, err := verify.NewFromConfig(table, &conf)
	if err != nil {
		return &exitError{code: exitSetup, err: err}
	}
	results := v.Check()
	if err := report.Print(w, results, color); err != nil {
		return &exitError{code: exitGeneric, err: err}
	}
	if verify.Failed(results) {
		return &exitError{code: exitFailed}
	}
	return nil
}

func (a *app) sizesCmd(cmd *cobra.Command, args []string) error {
	path, names := args[0], args[1:]
	if a.class == "" && len(names) > 0 {
		return &exitError{code: exitUsage, err: errors.New("method names require --class")}
	}
	w := a.out()
	return artifact.Open(path, func(art *artifact.Artifact) error {
		if a.class == "" {
			fmt.Fprintf(w, "%s: %s, %d classes\n", path, art.Format, art.NumClasses())
			for _, name := range art.ClassNames() {
				fmt.Fprintln(w, name)
			}
			return nil
		}
		if len(names) == 0 {
			methods, err := symsize.VirtualMethods(art, a.class)
			if err != nil {
				return err
			}
			return report.PrintSizes(w, methods)
		}
		sizes, err := symsize.SizesFor(art, a.class, names)
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Fprintf(w, "%d\t%s\n", sizes[name], name)
		}
		return nil
	}, artifact.WithStringCacheSize(a.conf.StringCacheSize))
}

func (a *app) configCmd(cmd *cobra.Command, args []string) error {
	initFile, _ := cmd.Flags().GetBool("init")
	if !initFile {
		return config.Write(a.out(), a.conf)
	}
	path := a.configPath
	if path == "" {
		path = os.Getenv(config.EnvConfig)
	}
	if path == "" {
		var err error
		if path, err = config.GetConfigFilePath("config.yml"); err != nil {
			return err
		}
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	if err := config.WriteDefaultConfig(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(a.out(), "wrote %s\n", path)
	return nil
}
