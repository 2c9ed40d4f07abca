// Copyright 2015 Google Inc. All rights reserved
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"runtime"
	"runtime/pprof"
	"strings"
	"text/template"
	"time"

	"github.com/kbuild-dev/kati"
)

const shellDateTimeformat = time.RFC3339

var (
	makefileFlag string
	jobsFlag     int

	loadJSON string
	saveJSON string
	loadGOB  string
	saveGOB  string
	useCache bool

	cpuprofile          string
	heapprofile         string
	memstats            string
	traceEventFile      string
	syntaxCheckOnlyFlag bool
	queryFlag           string
	eagerCmdEvalFlag    bool
	generateNinja       bool
	ninjaSuffix         string
	ninjaDir            string
	gomaDir             string
	findCachePrunes     string
	findCacheLeafNames  string
	shellDate           string
	warnCategories      string
	werrorCategories    string
	writableList        string
	dumpIncludeGraph    string
	dumpAssignmentTrace string
)

func init() {
	// TODO: Make this default and replace this by -d flag.
	flag.StringVar(&makefileFlag, "f", "", "Use it as a makefile")
	flag.IntVar(&jobsFlag, "j", 1, "Allow N jobs at once.")

	flag.StringVar(&loadGOB, "load", "", "")
	flag.StringVar(&saveGOB, "save", "", "")
	flag.StringVar(&loadJSON, "load_json", "", "")
	flag.StringVar(&saveJSON, "save_json", "", "")
	flag.BoolVar(&useCache, "use_cache", false, "Use cache.")

	flag.StringVar(&cpuprofile, "kati_cpuprofile", "", "write cpu profile to `file`")
	flag.StringVar(&heapprofile, "kati_heapprofile", "", "write heap profile to `file`")
	flag.StringVar(&memstats, "kati_memstats", "", "Show memstats with given templates")
	flag.StringVar(&traceEventFile, "kati_trace_event", "", "write trace event to `file`")
	flag.BoolVar(&syntaxCheckOnlyFlag, "c", false, "Syntax check only.")
	flag.StringVar(&queryFlag, "query", "", "Show the target info")
	flag.BoolVar(&eagerCmdEvalFlag, "eager_cmd_eval", false, "Eval commands first.")
	flag.BoolVar(&generateNinja, "ninja", false, "Generate build.ninja.")
	flag.StringVar(&ninjaSuffix, "ninja_suffix", "", "suffix for generated ninja files.")
	flag.StringVar(&ninjaDir, "ninja_dir", "", "if specified, cd to this directory before generating ninja files.")
	flag.BoolVar(&kati.GenAllTargetsFlag, "gen_all_targets", false, "Generate ninja rules for all targets, not just the default one.")
	flag.StringVar(&gomaDir, "goma_dir", "", "If specified, use goma to build C/C++ files.")

	flag.StringVar(&findCachePrunes, "find_cache_prunes", "",
		"space separated prune directories for find cache.")
	flag.StringVar(&findCacheLeafNames, "find_cache_leaf_names", "",
		"space separated leaf names for find cache.")
	flag.StringVar(&shellDate, "shell_date", "", "specify $(shell date) time as "+shellDateTimeformat)

	flag.BoolVar(&kati.LogFlag, "kati_log", false, "Verbose kati specific log")
	flag.BoolVar(&kati.StatsFlag, "kati_stats", false, "Show a bunch of statistics")
	flag.BoolVar(&kati.PeriodicStatsFlag, "kati_periodic_stats", false, "Show a bunch of periodic statistics")
	flag.BoolVar(&kati.EvalStatsFlag, "kati_eval_stats", false, "Show eval statistics")

	flag.BoolVar(&kati.DryRunFlag, "n", false, "Only print the commands that would be executed")
	flag.BoolVar(&kati.SilentFlag, "s", false, "Suppress echoing of commands, as if every line started with @")
	flag.BoolVar(&kati.IgnoreErrorsFlag, "i", false, "Ignore command failures, as if every line started with -")

	flag.BoolVar(&kati.UseFindEmulator, "use_find_emulator", false, "Use the in-process find/findleaves emulator for $(shell find ...).")
	// TODO: Make this default.
	flag.BoolVar(&kati.UseFindCache, "use_find_cache", false, "Use find cache.")
	flag.BoolVar(&kati.UseWildcardCache, "use_wildcard_cache", true, "Use wildcard cache.")
	flag.BoolVar(&kati.UseShellBuiltins, "use_shell_builtins", true, "Use shell builtins")
	flag.StringVar(&kati.IgnoreOptionalInclude, "ignore_optional_include", "", "If specified, skip reading -include directives start with the specified path.")

	flag.BoolVar(&kati.ColorWarningsFlag, "color_warnings", false, "Colorize warning messages.")
	flag.StringVar(&warnCategories, "warn", "", "comma separated list of diagnostics to turn into warnings: "+policyCategoryNames())
	flag.StringVar(&werrorCategories, "werror", "", "comma separated list of diagnostics to turn into errors: "+policyCategoryNames())
	for i, pf := range kati.PolicyFlags {
		policyWarnFlags[i] = new(bool)
		policyErrorFlags[i] = new(bool)
		flag.BoolVar(policyWarnFlags[i], "warn_"+pf.Name(), false, "warn on "+pf.Name())
		flag.BoolVar(policyErrorFlags[i], "werror_"+pf.Name(), false, "error on "+pf.Name())
	}
	flag.StringVar(&writableList, "writable", "", "comma separated list of writable directory prefixes. if unset, every path is writable.")

	flag.StringVar(&dumpIncludeGraph, "dump_include_graph", "", "dump the makefile include graph as JSON to `file`")
	flag.StringVar(&dumpAssignmentTrace, "dump_variable_assignment_trace", "", "dump every top level variable assignment as JSON to `file`")
}

// policyCategoryNames lists the --warn_X/--werror_X suffixes, for flag help text.
func policyCategoryNames() string {
	var names []string
	for _, pf := range kati.PolicyFlags {
		names = append(names, pf.Name())
	}
	return strings.Join(names, ", ")
}

// policyWarnFlags/policyErrorFlags hold the --warn_<name>/--werror_<name>
// bool targets, indexed the same as kati.PolicyFlags. werror wins over
// warn when both are passed for the same category.
var (
	policyWarnFlags  = make([]*bool, len(kati.PolicyFlags))
	policyErrorFlags = make([]*bool, len(kati.PolicyFlags))
)

func applyPolicyFlags() {
	for i, pf := range kati.PolicyFlags {
		if *policyWarnFlags[i] {
			pf.SetWarn(true)
		}
		if *policyErrorFlags[i] {
			pf.SetError(true)
		}
	}
	applyPolicyCategoryList(warnCategories, false)
	applyPolicyCategoryList(werrorCategories, true)
}

func applyPolicyCategoryList(list string, isError bool) {
	if list == "" {
		return
	}
	names := make(map[string]kati.PolicyFlag)
	for _, pf := range kati.PolicyFlags {
		names[pf.Name()] = pf
	}
	for _, name := range strings.Split(list, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		pf, ok := names[name]
		if !ok {
			fmt.Printf("kati: unknown diagnostic category %q\n", name)
			continue
		}
		if isError {
			pf.SetError(true)
		} else {
			pf.SetWarn(true)
		}
	}
}

func writeHeapProfile() {
	f, err := os.Create(heapprofile)
	if err != nil {
		panic(err)
	}
	pprof.WriteHeapProfile(f)
	f.Close()
}

type memStatsDumper struct {
	*template.Template
}

func (t memStatsDumper) dump() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	var buf bytes.Buffer
	err := t.Template.Execute(&buf, ms)
	fmt.Println(buf.String())
	if err != nil {
		panic(err)
	}
}

func load(req kati.LoadReq) (*kati.DepGraph, error) {
	if loadGOB != "" {
		return kati.GOB.Load(loadGOB)
	}
	if loadJSON != "" {
		return kati.JSON.Load(loadJSON)
	}
	return kati.Load(req)
}

func save(g *kati.DepGraph, targets []string) error {
	var err error
	if saveGOB != "" {
		err = kati.GOB.Save(g, saveGOB, targets)
	}
	if saveJSON != "" {
		serr := kati.JSON.Save(g, saveJSON, targets)
		if err == nil {
			err = serr
		}
	}
	return err
}

func main() {
	runtime.GOMAXPROCS(runtime.NumCPU())
	flag.Parse()
	args := flag.Args()
	applyPolicyFlags()
	if writableList != "" {
		kati.SetWritableAllowlist(strings.Split(writableList, ","))
	}
	err := katiMain(args)
	if err != nil {
		fmt.Println(err)
		// http://www.gnu.org/software/make/manual/html_node/Running.html
		os.Exit(2)
	}
}

func katiMain(args []string) error {
	if cpuprofile != "" {
		f, err := os.Create(cpuprofile)
		if err != nil {
			return err
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}
	if heapprofile != "" {
		defer writeHeapProfile()
	}
	defer kati.DumpStats()
	if memstats != "" {
		ms := memStatsDumper{
			Template: template.Must(template.New("memstats").Parse(memstats)),
		}
		ms.dump()
		defer ms.dump()
	}
	if traceEventFile != "" {
		f, err := os.Create(traceEventFile)
		if err != nil {
			panic(err)
		}
		kati.TraceEventStart(f)
		defer kati.TraceEventStop()
	}

	if shellDate != "" {
		if shellDate == "ref" {
			shellDate = shellDateTimeformat[:20] // until Z, drop 07:00
		}
		t, err := time.Parse(shellDateTimeformat, shellDate)
		if err != nil {
			panic(err)
		}
		kati.ShellDateTimestamp = t
	}

	var leafNames []string
	if findCacheLeafNames != "" {
		leafNames = strings.Fields(findCacheLeafNames)
	}
	if findCachePrunes != "" {
		kati.UseFindCache = true
		kati.AndroidFindCacheInit(strings.Fields(findCachePrunes), leafNames)
	}

	if dumpAssignmentTrace != "" {
		kati.RecordVariableAssignmentTrace = true
	}

	req := kati.FromCommandLine(args)
	if makefileFlag != "" {
		req.Makefile = makefileFlag
	}
	req.EnvironmentVars = os.Environ()
	req.UseCache = useCache
	req.EagerEvalCommand = eagerCmdEvalFlag

	g, err := load(req)
	if err != nil {
		return err
	}

	err = save(g, req.Targets)
	if err != nil {
		return err
	}

	if dumpIncludeGraph != "" {
		if err := kati.DumpIncludeGraph(dumpIncludeGraph); err != nil {
			return err
		}
	}
	if dumpAssignmentTrace != "" {
		if err := kati.DumpVariableAssignmentTrace(dumpAssignmentTrace); err != nil {
			return err
		}
	}

	if generateNinja {
		if ninjaDir != "" {
			if err := os.Chdir(ninjaDir); err != nil {
				return err
			}
		}
		ng := &kati.NinjaGenerator{GomaDir: gomaDir}
		return ng.Save(g, ninjaSuffix, req.Targets)
	}

	if syntaxCheckOnlyFlag {
		return nil
	}

	if queryFlag != "" {
		kati.Query(os.Stdout, queryFlag, g)
		return nil
	}

	execOpt := &kati.ExecutorOpt{
		NumJobs: jobsFlag,
	}
	ex, err := kati.NewExecutor(execOpt)
	if err != nil {
		return err
	}
	return ex.Exec(g, req.Targets)
}
