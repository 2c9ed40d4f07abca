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
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
)

func TestDumpVariableAssignmentTrace(t *testing.T) {
	old := RecordVariableAssignmentTrace
	defer func() { RecordVariableAssignmentTrace = old }()
	defer func() { assignTrace = nil }()
	RecordVariableAssignmentTrace = true

	_, err := evalMakefileString(t, `
FOO := 1
BAR = 2
`)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}

	dir, err := ioutil.TempDir("", "kati_trace_dump_test")
	if err != nil {
		t.Fatalf("TempDir: %v", err)
	}
	defer os.RemoveAll(dir)
	out := filepath.Join(dir, "trace.json")

	if err := DumpVariableAssignmentTrace(out); err != nil {
		t.Fatalf("DumpVariableAssignmentTrace: %v", err)
	}
	b, err := ioutil.ReadFile(out)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var dump assignTraceDump
	if err := json.Unmarshal(b, &dump); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	entries := dump.Assignments
	if len(entries) != 2 {
		t.Fatalf("len(entries)=%d, want 2: %+v", len(entries), entries)
	}
	if entries[0].Name != "FOO" || entries[0].Operation != "assign" || entries[0].Value != "1" {
		t.Errorf("entries[0]=%+v, want Name=FOO Operation=assign Value=1", entries[0])
	}
	if entries[1].Name != "BAR" || entries[1].Operation != "assign" || entries[1].Value != "2" {
		t.Errorf("entries[1]=%+v, want Name=BAR Operation=assign Value=2", entries[1])
	}
	if len(entries[0].ReferenceStack) != 0 {
		t.Errorf("entries[0].ReferenceStack=%v, want empty (no reference in progress)", entries[0].ReferenceStack)
	}
}

func TestDumpIncludeGraph(t *testing.T) {
	defer func() { includeGraph = map[string][]string{} }()

	dir, err := ioutil.TempDir("", "kati_include_graph_test")
	if err != nil {
		t.Fatalf("TempDir: %v", err)
	}
	defer os.RemoveAll(dir)

	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	defer os.Chdir(cwd)
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}

	if err := ioutil.WriteFile("child.mk", []byte("CHILD := 1\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	mk, err := parseMakefileString("include child.mk\n", srcpos{filename: "Makefile"})
	if err != nil {
		t.Fatalf("parseMakefileString: %v", err)
	}
	if _, err := eval(mk, make(Vars), false); err != nil {
		t.Fatalf("eval: %v", err)
	}

	out := filepath.Join(dir, "graph.json")
	if err := DumpIncludeGraph(out); err != nil {
		t.Fatalf("DumpIncludeGraph: %v", err)
	}
	b, err := ioutil.ReadFile(out)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var dump includeGraphDump
	if err := json.Unmarshal(b, &dump); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	nodes := dump.IncludeGraph
	if len(nodes) != 1 || nodes[0].File != "Makefile" {
		t.Fatalf("nodes=%+v, want one node for Makefile", nodes)
	}
	if len(nodes[0].Includes) != 1 || nodes[0].Includes[0] != "child.mk" {
		t.Errorf("nodes[0].Includes=%v, want [child.mk]", nodes[0].Includes)
	}
}
