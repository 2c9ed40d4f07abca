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
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
)

func evalMakefileString(t *testing.T, s string) (*evalResult, error) {
	t.Helper()
	mk, err := parseMakefile([]byte(s), "Makefile")
	if err != nil {
		t.Fatalf("parseMakefile(%q)=_, %v; want nil error", s, err)
	}
	return eval(mk, make(Vars), false)
}

func TestFuncKatiDeprecatedVar(t *testing.T) {
	defer func() { deprecatedVars = map[string]string{} }()
	defer func() { warnedVars = map[string]bool{} }()

	_, err := evalMakefileString(t, `
$(KATI_deprecated_var OLD_VAR,use NEW_VAR instead)
OLD_VAR := 1
X := $(OLD_VAR)
`)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if msg, ok := deprecatedVars["OLD_VAR"]; !ok || msg != "use NEW_VAR instead" {
		t.Errorf("deprecatedVars[OLD_VAR]=%q,%v; want %q,true", msg, ok, "use NEW_VAR instead")
	}
}

func TestFuncKatiObsoleteVarIsFatal(t *testing.T) {
	defer func() { obsoleteVars = map[string]string{} }()
	defer func() { warnedVars = map[string]bool{} }()

	_, err := evalMakefileString(t, `
$(KATI_obsolete_var GONE_VAR,removed in favor of NEW_VAR)
GONE_VAR := 1
X := $(GONE_VAR)
`)
	if err == nil {
		t.Errorf("eval()=nil error, want an error for referencing an obsolete variable")
	}
	if msg, ok := obsoleteVars["GONE_VAR"]; !ok || msg != "removed in favor of NEW_VAR" {
		t.Errorf("obsoleteVars[GONE_VAR]=%q,%v; want %q,true", msg, ok, "removed in favor of NEW_VAR")
	}
}

func TestFuncKatiDeprecateExport(t *testing.T) {
	defer func() { deprecatedExports = map[string]bool{} }()

	_, err := evalMakefileString(t, `
$(KATI_deprecate_export FOO)
export FOO
`)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if !deprecatedExports["FOO"] {
		t.Errorf("deprecatedExports[FOO]=false, want true")
	}
}

func TestFuncKatiObsoleteExportIsFatal(t *testing.T) {
	defer func() { obsoleteExports = map[string]bool{} }()

	_, err := evalMakefileString(t, `
$(KATI_obsolete_export FOO)
export FOO
`)
	if err == nil {
		t.Errorf("eval()=nil error, want an error for exporting an obsolete variable")
	}
}

func TestFuncKatiProfileMakefile(t *testing.T) {
	defer func() { profiledMakefiles = map[string]bool{} }()

	_, err := evalMakefileString(t, `
$(KATI_profile_makefile foo.mk bar.mk)
`)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	for _, name := range []string{"foo.mk", "bar.mk"} {
		if !profiledMakefiles[name] {
			t.Errorf("profiledMakefiles[%q]=false, want true", name)
		}
	}
}

func TestFuncKatiVariableLocation(t *testing.T) {
	defer func() { varLocations = map[string]srcpos{} }()

	er, err := evalMakefileString(t, `
FOO := 1
LOC := $(KATI_variable_location FOO)
MISSING_LOC := $(KATI_variable_location NEVER_SET)
`)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	loc := er.vars.Lookup("LOC").String()
	if loc != "Makefile:2" {
		t.Errorf("LOC=%q, want %q", loc, "Makefile:2")
	}
	missing := er.vars.Lookup("MISSING_LOC").String()
	if missing != "" {
		t.Errorf("MISSING_LOC=%q, want empty string", missing)
	}
}

func TestFuncFileReadAndWrite(t *testing.T) {
	dir, err := ioutil.TempDir("", "kati_func_file_test")
	if err != nil {
		t.Fatalf("TempDir: %v", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "out.txt")
	s := `
$(file >` + path + `,hello)
$(file >>` + path + `,world)
CONTENTS := $(file <` + path + `)
`
	er, err := evalMakefileString(t, s)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	got := er.vars.Lookup("CONTENTS").String()
	if got != "helloworld" {
		t.Errorf("CONTENTS=%q, want %q", got, "helloworld")
	}
	b, err := ioutil.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(b) != "helloworld" {
		t.Errorf("file contents=%q, want %q", string(b), "helloworld")
	}
}
