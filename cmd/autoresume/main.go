// Command autoresume dry-runs the resume resolution a training job would
// perform at bootstrap: it classifies the `resume=` argument, resolves it to
// a plan and prints the argument vector the configuration-composition engine
// would actually see. With -guard it instead shows what the in-job preemption
// guard would do for a given output directory.
//
// Usage:
//
//	autoresume [flags] <training arguments...>
//	autoresume -guard <output_dir>
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/gomlx/autoresume/registry"
	"github.com/gomlx/autoresume/resume"
)

var (
	flagRegistry = flag.String("registry", "", "Base URL of the run registry API. "+
		"Required only when the resume value is a run identifier.")
	flagProject = flag.String("project", "", "Registry project holding the runs.")
	flagToken   = flag.String("token", os.Getenv("AUTORESUME_TOKEN"), "Registry auth token. "+
		"Defaults to the AUTORESUME_TOKEN environment variable.")
	flagGuard = flag.String("guard", "", "Output directory to run the preemption guard against, "+
		"instead of resolving a resume argument.")
	flagNames = flag.String("names", "hpc_ckpt.ckpt,last.ckpt",
		"Comma-separated checkpoint filenames, in priority order.")
	flagResumeArg = flag.String("resume_arg", "resume", "Name of the resume argument to scan for.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	config := resume.Build().
		ResumeArg(*flagResumeArg).
		CheckpointNames(strings.Split(*flagNames, ",")...)
	if *flagRegistry != "" {
		config.Registry(registry.NewHTTP(*flagRegistry, *flagProject, *flagToken).WithProgress(true))
	}
	handler := must.M1(config.Done())

	if *flagGuard != "" {
		reportGuard(handler, *flagGuard)
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		klog.Errorf("Missing training arguments to resolve. See 'autoresume -help'.")
		os.Exit(1)
	}
	report(handler, append([]string{"trainer"}, args...))
}

var (
	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable() *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

func report(handler *resume.Handler, argv []string) {
	raw := handler.ResumeValue(argv)
	kind := handler.Classify(raw)

	plan, err := handler.Resolve(raw)
	if err != nil {
		klog.Exitf("Resolution failed: %+v", err)
	}
	newArgv, err := handler.Rewrite(argv)
	if err != nil {
		klog.Exitf("Rewrite failed: %+v", err)
	}

	fmt.Println(titleStyle.Render("Resolved Plan"))
	table := newPlainTable()
	table.Row("resume", raw)
	table.Row("kind", kind.String())
	table.Row("ckpt_path", withFileSize(plan.CkptPath))
	table.Row("wandb_id", orNone(plan.WandbID))
	table.Row("run_dir", orNone(plan.RunDir))
	table.Row("sweep_dir", orNone(plan.SweepDir))
	table.Row("overrides", fmt.Sprintf("%d recovered", len(plan.Overrides)))
	fmt.Println(table.Render())

	for _, o := range plan.Overrides {
		fmt.Printf("\toverride: %s=%s\n", o.Key, o.Value)
	}

	fmt.Println(titleStyle.Render("Rewritten Arguments"))
	for _, arg := range newArgv[1:] {
		fmt.Printf("\t%s\n", arg)
	}
}

func reportGuard(handler *resume.Handler, outputDir string) {
	cfg := resume.Composed{}
	overridden := handler.MaybeOverride(cfg, outputDir)

	fmt.Println(titleStyle.Render("Preemption Guard"))
	table := newPlainTable()
	table.Row("output_dir", outputDir)
	if !overridden {
		table.Row("evidence", "none (composed configuration stands)")
		fmt.Println(table.Render())
		return
	}
	ckpt, _ := cfg.GetPath("ckpt_path")
	table.Row("evidence", "preemption checkpoint found")
	table.Row("ckpt_path", withFileSize(fmt.Sprint(ckpt)))
	if id, ok := cfg.GetPath("wandb_id"); ok {
		table.Row("wandb_id", fmt.Sprint(id))
	}
	fmt.Println(table.Render())
}

func withFileSize(path string) string {
	if path == "" {
		return "(none)"
	}
	fi, err := os.Stat(path)
	if err != nil {
		return path
	}
	return fmt.Sprintf("%s (%s)", path, humanize.Bytes(uint64(fi.Size())))
}

func orNone(value string) string {
	if value == "" {
		return "(none)"
	}
	return value
}
