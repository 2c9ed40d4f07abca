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
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func buildNodesForTest(t *testing.T, s string, targets []string) []*DepNode {
	t.Helper()
	mk, err := parseMakefileString(s, srcpos{filename: "Makefile"})
	if err != nil {
		t.Fatalf("parseMakefileString(%q)=_, %v; want nil error", s, err)
	}
	er, err := eval(mk, make(Vars), false)
	if err != nil {
		t.Fatalf("eval(%q)=_, %v; want nil error", s, err)
	}
	db, err := newDepBuilder(er, er.vars)
	if err != nil {
		t.Fatalf("newDepBuilder(%q)=_, %v; want nil error", s, err)
	}
	nodes, err := db.Eval(targets)
	if err != nil {
		t.Fatalf("db.Eval(%q)=_, %v; want nil error", targets, err)
	}
	return nodes
}

func findNode(nodes []*DepNode, output string) *DepNode {
	for _, n := range nodes {
		if n.Output == output {
			return n
		}
	}
	return nil
}

func TestDepKatiRestat(t *testing.T) {
	nodes := buildNodesForTest(t, `
foo: bar
	touch foo

.KATI_RESTAT: foo
`, []string{"foo"})
	n := findNode(nodes, "foo")
	if n == nil {
		t.Fatalf("no node for foo")
	}
	if !n.IsRestat {
		t.Errorf("foo.IsRestat=false, want true")
	}
}

func TestDepKatiImplicitAndSymlinkOutputs(t *testing.T) {
	nodes := buildNodesForTest(t, `
foo: bar
	touch foo bar.sym

foo: .KATI_IMPLICIT_OUTPUTS := implicit.out
foo: .KATI_SYMLINK_OUTPUTS := bar.sym
foo: .KATI_DEPFILE := foo.d
foo: .KATI_NINJA_POOL := console

bar:
	touch bar
`, []string{"foo"})

	n := findNode(nodes, "foo")
	if n == nil {
		t.Fatalf("no node for foo")
	}
	if diff := cmp.Diff([]string{"implicit.out"}, n.ImplicitOutputs); diff != "" {
		t.Errorf("ImplicitOutputs mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"bar.sym"}, n.SymlinkOutputs); diff != "" {
		t.Errorf("SymlinkOutputs mismatch (-want +got):\n%s", diff)
	}
	if n.DepfileVar != "foo.d" {
		t.Errorf("DepfileVar=%q, want %q", n.DepfileVar, "foo.d")
	}
	if n.NinjaPoolVar != "console" {
		t.Errorf("NinjaPoolVar=%q, want %q", n.NinjaPoolVar, "console")
	}

	// The implicit output is a back-link to the owning node, not a
	// separate target.
	implicit := buildNodesForTest(t, `
foo: bar
	touch foo bar.sym

foo: .KATI_IMPLICIT_OUTPUTS := implicit.out

bar:
	touch bar
`, []string{"implicit.out"})
	if len(implicit) != 1 || implicit[0].Output != "foo" {
		t.Errorf("building implicit.out=%v, want a single node for foo", implicit)
	}
}

func TestDepKatiValidations(t *testing.T) {
	nodes := buildNodesForTest(t, `
foo:
	touch foo

foo: .KATI_VALIDATIONS := check

check:
	touch check
`, []string{"foo"})
	n := findNode(nodes, "foo")
	if n == nil {
		t.Fatalf("no node for foo")
	}
	if len(n.Validations) != 1 || n.Validations[0].Output != "check" {
		t.Errorf("foo.Validations=%v, want [check]", n.Validations)
	}
}

func TestDepGenAllTargets(t *testing.T) {
	old := GenAllTargetsFlag
	defer func() { GenAllTargetsFlag = old }()
	GenAllTargetsFlag = true

	nodes := buildNodesForTest(t, `
all: foo bar

foo:
	touch foo

bar:
	touch bar
`, nil)

	var outputs []string
	for _, n := range nodes {
		outputs = append(outputs, n.Output)
	}
	sort.Strings(outputs)
	if diff := cmp.Diff([]string{"all"}, outputs); diff != "" {
		t.Errorf("gen_all_targets outputs mismatch (-want +got):\n%s", diff)
	}
}

func TestDepPolicyPhonyLooksRealError(t *testing.T) {
	old := PolicyPhonyLooksReal
	defer func() { PolicyPhonyLooksReal = old }()
	PolicyPhonyLooksReal = policyError

	mk, err := parseMakefileString(`
.PHONY: dep_test.go

dep_test.go:
	touch dep_test.go
`, srcpos{filename: "Makefile"})
	if err != nil {
		t.Fatalf("parseMakefileString: %v", err)
	}
	er, err := eval(mk, make(Vars), false)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	db, err := newDepBuilder(er, er.vars)
	if err != nil {
		t.Fatalf("newDepBuilder: %v", err)
	}
	_, err = db.Eval([]string{"dep_test.go"})
	if err == nil {
		t.Errorf("db.Eval()=nil error, want an error for a phony target that looks real")
	}
}

func TestDepPolicyWritableAllowlist(t *testing.T) {
	old := PolicyWritable
	defer func() { PolicyWritable = old }()
	PolicyWritable = policyError
	SetWritableAllowlist([]string{"out"})
	defer SetWritableAllowlist(nil)

	mk, err := parseMakefileString(`
unwritable_target:
	touch unwritable_target
`, srcpos{filename: "Makefile"})
	if err != nil {
		t.Fatalf("parseMakefileString: %v", err)
	}
	er, err := eval(mk, make(Vars), false)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	db, err := newDepBuilder(er, er.vars)
	if err != nil {
		t.Fatalf("newDepBuilder: %v", err)
	}
	_, err = db.Eval([]string{"unwritable_target"})
	if err == nil {
		t.Errorf("db.Eval()=nil error, want an error for a recipe writing outside the writable allowlist")
	}
}
