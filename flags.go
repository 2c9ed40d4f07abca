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

package kati

import (
	"fmt"
	"os"
	"sync"
)

// Global behavior flags, set by the command line front end before a run.
var (
	// LogFlag enables verbose kati specific logging.
	LogFlag bool
	// StatsFlag enables a final dump of internal counters.
	StatsFlag bool
	// PeriodicStatsFlag enables periodic progress counters during a run.
	PeriodicStatsFlag bool
	// EvalStatsFlag enables per-function timing, both inline (funcstats)
	// and in the final DumpStats report.
	EvalStatsFlag bool
	// DryRunFlag makes the executor print commands without running them.
	DryRunFlag bool
	// SilentFlag suppresses the default echo of each command line,
	// as if every recipe line started with '@'.
	SilentFlag bool
	// IgnoreErrorsFlag makes every command's failure non-fatal, as if
	// every recipe line started with '-'.
	IgnoreErrorsFlag bool
	// UseFindCache enables the Android find-emulator directory cache.
	UseFindCache bool
	// UseWildcardCache caches $(wildcard) and rule input glob results
	// across a run.
	UseWildcardCache = true
	// UseShellBuiltins enables recognizing common $(shell ...) idioms
	// (find, findleaves.py, date) and serving them in-process.
	UseShellBuiltins = true
	// IgnoreOptionalInclude, if non-empty, is a pattern: -include
	// directives naming a file that matches it are skipped silently
	// when the file is missing.
	IgnoreOptionalInclude string
	// GenAllTargetsFlag makes an empty target list expand to every
	// explicit rule output that is neither a special ('.'-prefixed)
	// target nor a prerequisite of another rule, instead of just the
	// first rule and the phony targets.
	GenAllTargetsFlag bool
	// RecordVariableAssignmentTrace enables appending every top level
	// variable assignment to assignTrace, for
	// --dump_variable_assignment_trace.
	RecordVariableAssignmentTrace bool
	// RecordReferencedVarsFlag enables recording the Symbol of every
	// variable name resolved while evaluating a Value tree (varref,
	// varsubst and out-of-range paramref reads), for
	// DumpReferencedVars.
	RecordReferencedVarsFlag bool
)

// gitVersion is reported in generated ninja files.
var gitVersion = "unknown"

var logMu sync.Mutex

// logf prints a verbose log line, gated by LogFlag.
func logf(f string, a ...interface{}) {
	if !LogFlag {
		return
	}
	logAlways(f, a...)
}

// logStats prints a statistics line, gated by StatsFlag or
// PeriodicStatsFlag so either knob surfaces progress counters.
func logStats(f string, a ...interface{}) {
	if !StatsFlag && !PeriodicStatsFlag {
		return
	}
	logAlways(f, a...)
}

func logAlways(f string, a ...interface{}) {
	logMu.Lock()
	defer logMu.Unlock()
	fmt.Printf("*kati*: "+f+"\n", a...)
}

// ColorWarningsFlag highlights the "warning:" tag in yellow on stderr.
var ColorWarningsFlag bool

// warn reports a non-fatal diagnostic at pos, matching the
// "file:line: warning: msg" convention make itself uses.
func warn(pos srcpos, f string, a ...interface{}) {
	tag := "warning:"
	if ColorWarningsFlag {
		tag = "\x1b[33mwarning:\x1b[0m"
	}
	fmt.Fprintf(os.Stderr, "%s: %s %s\n", pos.String(), tag, fmt.Sprintf(f, a...))
}

// warnNoPrefix is like warn but without the "warning:" tag, used for
// directives (parser-level extraneous text, etc.) that GNU Make
// itself reports bare.
func warnNoPrefix(pos srcpos, f string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, "%s: %s\n", pos.String(), fmt.Sprintf(f, a...))
}

// policy is the disposition of a configurable diagnostic: silent,
// a warning, or a fatal error.
type policy int

const (
	policyWarn policy = iota
	policySilent
	policyError
)

func (p policy) String() string {
	switch p {
	case policySilent:
		return "silent"
	case policyError:
		return "error"
	default:
		return "warn"
	}
}

// PolicyFlag binds a pair of --warn_<name>/--werror_<name> command
// line flags to a policy value.
type PolicyFlag struct {
	name string
	p    *policy
}

func (f *PolicyFlag) setWarn(v bool) {
	if v {
		*f.p = policyWarn
	}
}

func (f *PolicyFlag) setError(v bool) {
	if v {
		*f.p = policyError
	}
}

// Policy diagnostics named in the dependency graph builder: .PHONY
// targets that also exist as a regular file, real targets that depend on
// phony ones, implicit/suffix rule fallback usage, overriding
// commands, and writes outside the writable allowlist.
var (
	PolicyPhonyLooksReal     = policyWarn
	PolicyRealDependsOnPhony = policyWarn
	PolicyImplicitRuleUsage  = policySilent
	PolicyOverridingCommands = policyWarn
	PolicyWritable           = policySilent
)

// PolicyFlags names the --warn_<name>/--werror_<name> pairs the
// command line front end should expose, in a stable order.
var PolicyFlags = []PolicyFlag{
	{name: "phony_looks_real", p: &PolicyPhonyLooksReal},
	{name: "real_depends_on_phony", p: &PolicyRealDependsOnPhony},
	{name: "implicit_rule_usage", p: &PolicyImplicitRuleUsage},
	{name: "overriding_commands", p: &PolicyOverridingCommands},
	{name: "writable", p: &PolicyWritable},
}

// Name returns the policy's flag name, e.g. "phony_looks_real".
func (f PolicyFlag) Name() string { return f.name }

// SetWarn sets the bound policy to warn when v is true.
func (f PolicyFlag) SetWarn(v bool) { f.setWarn(v) }

// SetError sets the bound policy to error when v is true.
func (f PolicyFlag) SetError(v bool) { f.setError(v) }

// report emits pos/msg according to p, returning an error when the
// policy is policyError (the caller should propagate it as fatal).
func (p policy) report(pos srcpos, f string, a ...interface{}) error {
	switch p {
	case policySilent:
		return nil
	case policyError:
		return pos.errorf(f, a...)
	default:
		warn(pos, f, a...)
		return nil
	}
}

// writableAllowlist holds prefixes passed via --writable; when empty
// every path is considered writable.
var writableAllowlist []string

// SetWritableAllowlist sets the prefixes a target's output path must
// fall under to satisfy PolicyWritable.
func SetWritableAllowlist(prefixes []string) {
	writableAllowlist = prefixes
}

func isWritable(path string) bool {
	if len(writableAllowlist) == 0 {
		return true
	}
	for _, prefix := range writableAllowlist {
		if hasDirPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func hasDirPrefix(path, prefix string) bool {
	if len(path) < len(prefix) {
		return false
	}
	if path[:len(prefix)] != prefix {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}
