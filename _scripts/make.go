package main

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

const PrepostMainPackagePath = "github.com/prepost/prepost/cmd/prepost"

var Verbose bool
var NOTimeout bool
var TestSet, TestRegex string
var Before, After string

func NewMakeCommands() *cobra.Command {
	RootCommand := &cobra.Command{
		Use:   "make.go",
		Short: "make script for prepost.",
	}

	RootCommand.AddCommand(&cobra.Command{
		Use:   "build",
		Short: "Build prepost",
		Run: func(cmd *cobra.Command, args []string) {
			execute("go", "build", PrepostMainPackagePath)
		},
	})

	RootCommand.AddCommand(&cobra.Command{
		Use:   "install",
		Short: "Installs prepost",
		Run: func(cmd *cobra.Command, args []string) {
			execute("go", "install", PrepostMainPackagePath)
		},
	})

	RootCommand.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Uninstalls prepost",
		Run: func(cmd *cobra.Command, args []string) {
			execute("go", "clean", "-i", PrepostMainPackagePath)
		},
	})

	test := &cobra.Command{
		Use:   "test",
		Short: "Tests prepost",
		Long: `Tests prepost.

The instrumentation test set needs the artifacts built without and with the
pass under test, given with --before and --after or through the dex_pre and
dex_post environment variables. It is skipped otherwise.
`,
		Run: testCmd,
	}
	test.PersistentFlags().BoolVarP(&Verbose, "verbose", "v", false, "Verbose tests")
	test.PersistentFlags().BoolVarP(&NOTimeout, "timeout", "t", false, "Set infinite timeouts")
	test.PersistentFlags().StringVarP(&TestSet, "test-set", "s", "", `Select the set of tests to run, one of either:
	all		tests all packages
	instr		runs the instrumentation tests of pkg/verify
	package-name	test the specified package only
`)
	test.PersistentFlags().StringVarP(&TestRegex, "test-run", "r", "", `Only runs the tests matching the specified regex. This option can only be specified if testset is a single package`)
	test.PersistentFlags().StringVar(&Before, "before", "", "Artifact built without the pass, exported as dex_pre.")
	test.PersistentFlags().StringVar(&After, "after", "", "Artifact built with the pass, exported as dex_post.")

	RootCommand.AddCommand(test)

	return RootCommand
}

func strflatten(v []interface{}) []string {
	r := []string{}
	for _, s := range v {
		switch s := s.(type) {
		case []string:
			r = append(r, s...)
		case string:
			if s != "" {
				r = append(r, s)
			}
		}
	}
	return r
}

func executeq(cmd string, args ...interface{}) {
	x := exec.Command(cmd, strflatten(args)...)
	x.Stdout = os.Stdout
	x.Stderr = os.Stderr
	x.Env = os.Environ()
	err := x.Run()
	if x.ProcessState != nil && !x.ProcessState.Success() {
		os.Exit(1)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func execute(cmd string, args ...interface{}) {
	fmt.Printf("%s %s\n", cmd, strings.Join(quotemaybe(strflatten(args)), " "))
	executeq(cmd, args...)
}

func quotemaybe(args []string) []string {
	for i := range args {
		if strings.Contains(args[i], " ") {
			args[i] = fmt.Sprintf("%q", args[i])
		}
	}
	return args
}

func getoutput(cmd string, args ...interface{}) string {
	x := exec.Command(cmd, strflatten(args)...)
	x.Env = os.Environ()
	out, err := x.Output()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error executing %s %v\n", cmd, args)
		log.Fatal(err)
	}
	return string(out)
}

func testFlags() []string {
	testFlags := []string{"-count", "1"}
	if Verbose {
		testFlags = append(testFlags, "-v")
	}
	if NOTimeout {
		testFlags = append(testFlags, "-timeout", "0")
	}
	return testFlags
}

func testCmd(cmd *cobra.Command, args []string) {
	if Before != "" {
		os.Setenv("dex_pre", Before)
	}
	if After != "" {
		os.Setenv("dex_post", After)
	}

	if TestSet == "" {
		TestSet = "all"
	}
	if TestSet == "instr" {
		if os.Getenv("dex_pre") == "" || os.Getenv("dex_post") == "" {
			fmt.Printf("The instr test set needs --before and --after\n")
			os.Exit(1)
		}
		TestSet, TestRegex = "verify", "TestSimplifyString"
	}

	testPackages := testSetToPackages(TestSet)
	if len(testPackages) == 0 {
		fmt.Printf("Unknown test set %q\n", TestSet)
		os.Exit(1)
	}
	if TestRegex != "" && len(testPackages) != 1 {
		fmt.Printf("Can not use test-run with test set %q\n", TestSet)
		os.Exit(1)
	}

	if TestRegex != "" {
		execute("go", "test", testFlags(), testPackages, "-run="+TestRegex)
	} else {
		execute("go", "test", testFlags(), testPackages)
	}
}

func testSetToPackages(testSet string) []string {
	if testSet == "all" {
		return allPackages()
	}
	for _, pkg := range allPackages() {
		if pkg == testSet || strings.HasSuffix(pkg, "/"+testSet) {
			return []string{pkg}
		}
	}
	return nil
}

func allPackages() []string {
	r := []string{}
	for _, dir := range strings.Split(getoutput("go", "list", "./..."), "\n") {
		dir = strings.TrimSpace(dir)
		if dir == "" || strings.Contains(dir, "/_scripts") {
			continue
		}
		r = append(r, dir)
	}
	sort.Strings(r)
	return r
}

func main() {
	NewMakeCommands().Execute()
}
