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
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// includeGraph maps an including makefile's name to the files it
// included, in include order, recorded by evalInclude.
var includeGraph = map[string][]string{}

// assignTraceEntry is one recorded variable event (a top-level
// assignment or a read), emitted when RecordVariableAssignmentTrace is
// set. The shape matches the on-disk --dump_variable_assignment_trace
// contract: do not rename fields without updating consumers.
type assignTraceEntry struct {
	Name           string   `json:"name"`
	Operation      string   `json:"operation"`
	Value          string   `json:"value"`
	Defined        bool     `json:"defined"`
	ReferenceStack []string `json:"reference_stack"`
	ValueStack     []string `json:"value_stack"`
}

var assignTrace []assignTraceEntry

// recordAssignTrace appends one assignTraceEntry for (op, name, v),
// gated by RecordVariableAssignmentTrace. reference_stack/value_stack
// are rendered from ev.refStack, the expansion frames currently in
// progress above this event: reference_stack holds "<name> @
// <file>:<lineno>" per frame (the variable being expanded and where
// its reference was parsed), value_stack holds that frame's
// unexpanded value, in the same order. A top-level assignment, or a
// lookup with nothing else being expanded, gets empty stacks.
func (ev *Evaluator) recordAssignTrace(op, name string, v Var) {
	if !RecordVariableAssignmentTrace {
		return
	}
	refs := make([]string, len(ev.refStack))
	vals := make([]string, len(ev.refStack))
	for i, f := range ev.refStack {
		refs[i] = fmt.Sprintf("%s @ %s", f.name, f.pos)
		vals[i] = f.value
	}
	assignTrace = append(assignTrace, assignTraceEntry{
		Name:           name,
		Operation:      op,
		Value:          v.String(),
		Defined:        v.IsDefined(),
		ReferenceStack: refs,
		ValueStack:     vals,
	})
}

// includeGraphNode is the JSON shape of one entry in the dumped
// include graph: a file and the files it directly includes.
type includeGraphNode struct {
	File     string   `json:"file"`
	Includes []string `json:"includes"`
}

// includeGraphDump and assignTraceDump are the top-level JSON envelopes
// for --dump_include_graph/--dump_variable_assignment_trace.
type includeGraphDump struct {
	IncludeGraph []includeGraphNode `json:"include_graph"`
}

type assignTraceDump struct {
	Assignments []assignTraceEntry `json:"assignments"`
}

// DumpIncludeGraph writes the makefile include graph accumulated over
// the last Load to filename as JSON, one object per including file.
func DumpIncludeGraph(filename string) error {
	var names []string
	for fn := range includeGraph {
		names = append(names, fn)
	}
	sort.Strings(names)
	nodes := make([]includeGraphNode, 0, len(names))
	for _, fn := range names {
		nodes = append(nodes, includeGraphNode{File: fn, Includes: includeGraph[fn]})
	}
	return writeJSONFile(filename, includeGraphDump{IncludeGraph: nodes})
}

// DumpVariableAssignmentTrace writes every recorded variable
// assignment/lookup to filename as JSON, in evaluation order. The
// caller must have set RecordVariableAssignmentTrace before calling
// Load for this to contain anything.
func DumpVariableAssignmentTrace(filename string) error {
	entries := assignTrace
	if entries == nil {
		entries = []assignTraceEntry{}
	}
	return writeJSONFile(filename, assignTraceDump{Assignments: entries})
}

// DumpReferencedVars writes the name of every variable the last Load
// resolved through a varref or varsubst to filename as a sorted JSON
// array. The caller must have set RecordReferencedVarsFlag before
// calling Load for this to contain anything.
func DumpReferencedVars(filename string) error {
	names := referencedVars.Names()
	sort.Strings(names)
	return writeJSONFile(filename, names)
}

func writeJSONFile(filename string, v interface{}) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()
	e := json.NewEncoder(f)
	e.SetIndent("", "  ")
	return e.Encode(v)
}
