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
	"crypto/sha1"
	"io"
	"io/ioutil"
)

func init() {
	funcMap["file"] = func() mkFunc { return &funcFile{} }
	funcMap["KATI_deprecated_var"] = func() mkFunc { return &funcKatiDeprecatedVar{} }
	funcMap["KATI_obsolete_var"] = func() mkFunc { return &funcKatiObsoleteVar{} }
	funcMap["KATI_deprecate_export"] = func() mkFunc { return &funcKatiDeprecateExport{} }
	funcMap["KATI_obsolete_export"] = func() mkFunc { return &funcKatiObsoleteExport{} }
	funcMap["KATI_profile_makefile"] = func() mkFunc { return &funcKatiProfileMakefile{} }
	funcMap["KATI_variable_location"] = func() mkFunc { return &funcKatiVariableLocation{} }
}

// http://make.mad-scientist.net/deferred-simple-variable-expansion/#file
// $(file <op>file,text): with a ">" or ">>" op, writes or appends text
// to file; with a "<" op (or plain filename), reads the file.
type funcFile struct{ fclosure }

func (f *funcFile) Arity() int { return 2 }

func (f *funcFile) Eval(w evalWriter, ev *Evaluator) error {
	err := assertArity("file", 1, len(f.args))
	if err != nil {
		return err
	}
	abuf := newEbuf()
	err = f.args[1].Eval(abuf, ev)
	if err != nil {
		return err
	}
	op := abuf.String()
	abuf.release()

	var text string
	if len(f.args) > 2 {
		tbuf := newEbuf()
		err = f.args[2].Eval(tbuf, ev)
		if err != nil {
			return err
		}
		text = tbuf.String()
		tbuf.release()
	}

	mode := "<"
	filename := op
	for _, prefix := range []string{">>", ">", "<"} {
		if len(op) > len(prefix) && op[:len(prefix)] == prefix {
			mode = prefix
			filename = op[len(prefix):]
			break
		}
	}

	if ev.avoidIO && mode != "<" {
		return ev.errorf("*** $(file %s) cannot be delayed to ninja time.", op)
	}

	switch mode {
	case ">":
		return ioutil.WriteFile(filename, []byte(text), 0644)
	case ">>":
		b, _ := ioutil.ReadFile(filename)
		return ioutil.WriteFile(filename, append(b, []byte(text)...), 0644)
	default:
		b, err := ioutil.ReadFile(filename)
		if err != nil {
			// A missing file still becomes a stamp dependency: if it
			// is created later, the next run must re-evaluate this
			// $(file) call. Recorded the same way a missing include
			// is (eval.go's evalInclude), so the (external)
			// regeneration checker picks it up from accessedMks.
			msg := ev.cache.update(filename, [sha1.Size]byte{}, fileNotExists)
			if msg != "" {
				warn(ev.srcpos, "%s", msg)
			}
			return nil
		}
		io.WriteString(w, string(b))
	}
	return nil
}

// http://make.mad-scientist.net/performance/#variable-access
// $(KATI_deprecated_var var,msg): the first later reference to var
// warns with msg; further references do not warn again.
type funcKatiDeprecatedVar struct{ fclosure }

func (f *funcKatiDeprecatedVar) Arity() int { return 2 }

func (f *funcKatiDeprecatedVar) Eval(w evalWriter, ev *Evaluator) error {
	err := assertArity("KATI_deprecated_var", 1, len(f.args))
	if err != nil {
		return err
	}
	abuf := newEbuf()
	err = f.args[1].Eval(abuf, ev)
	if err != nil {
		return err
	}
	names := splitSpaces(abuf.String())
	abuf.release()

	msg := "deprecated"
	if len(f.args) > 2 {
		mbuf := newEbuf()
		err = f.args[2].Eval(mbuf, ev)
		if err != nil {
			return err
		}
		if mbuf.Len() > 0 {
			msg = mbuf.String()
		}
		mbuf.release()
	}
	for _, name := range names {
		deprecatedVars[name] = msg
	}
	return nil
}

// $(KATI_obsolete_var var,msg): every later reference to var is fatal.
type funcKatiObsoleteVar struct{ fclosure }

func (f *funcKatiObsoleteVar) Arity() int { return 2 }

func (f *funcKatiObsoleteVar) Eval(w evalWriter, ev *Evaluator) error {
	err := assertArity("KATI_obsolete_var", 1, len(f.args))
	if err != nil {
		return err
	}
	abuf := newEbuf()
	err = f.args[1].Eval(abuf, ev)
	if err != nil {
		return err
	}
	names := splitSpaces(abuf.String())
	abuf.release()

	msg := "obsolete"
	if len(f.args) > 2 {
		mbuf := newEbuf()
		err = f.args[2].Eval(mbuf, ev)
		if err != nil {
			return err
		}
		if mbuf.Len() > 0 {
			msg = mbuf.String()
		}
		mbuf.release()
	}
	for _, name := range names {
		obsoleteVars[name] = msg
	}
	return nil
}

// $(KATI_deprecate_export var,msg): warn whenever var is exported.
type funcKatiDeprecateExport struct{ fclosure }

func (f *funcKatiDeprecateExport) Arity() int { return 2 }

func (f *funcKatiDeprecateExport) Eval(w evalWriter, ev *Evaluator) error {
	err := assertArity("KATI_deprecate_export", 1, len(f.args))
	if err != nil {
		return err
	}
	abuf := newEbuf()
	err = f.args[1].Eval(abuf, ev)
	if err != nil {
		return err
	}
	names := splitSpaces(abuf.String())
	abuf.release()
	for _, name := range names {
		deprecatedExports[name] = true
	}
	return nil
}

// $(KATI_obsolete_export var): exporting var is fatal.
type funcKatiObsoleteExport struct{ fclosure }

func (f *funcKatiObsoleteExport) Arity() int { return 1 }

func (f *funcKatiObsoleteExport) Eval(w evalWriter, ev *Evaluator) error {
	err := assertArity("KATI_obsolete_export", 1, len(f.args))
	if err != nil {
		return err
	}
	abuf := newEbuf()
	err = f.args[1].Eval(abuf, ev)
	if err != nil {
		return err
	}
	names := splitSpaces(abuf.String())
	abuf.release()
	for _, name := range names {
		obsoleteExports[name] = true
	}
	return nil
}

// $(KATI_profile_makefile file): records file in profiledMakefiles.
// Nothing reads that set, so it does not change what DumpStats prints.
type funcKatiProfileMakefile struct{ fclosure }

func (f *funcKatiProfileMakefile) Arity() int { return 0 }

func (f *funcKatiProfileMakefile) Eval(w evalWriter, ev *Evaluator) error {
	for _, arg := range f.args[1:] {
		abuf := newEbuf()
		err := arg.Eval(abuf, ev)
		if err != nil {
			return err
		}
		for _, name := range splitSpaces(abuf.String()) {
			profiledMakefiles[name] = true
		}
		abuf.release()
	}
	return nil
}

// $(KATI_variable_location var): expands to "file:line" of the
// assignment that most recently set var, or the empty string.
type funcKatiVariableLocation struct{ fclosure }

func (f *funcKatiVariableLocation) Arity() int { return 1 }

func (f *funcKatiVariableLocation) Eval(w evalWriter, ev *Evaluator) error {
	err := assertArity("KATI_variable_location", 1, len(f.args))
	if err != nil {
		return err
	}
	abuf := newEbuf()
	err = f.args[1].Eval(abuf, ev)
	if err != nil {
		return err
	}
	name := abuf.String()
	abuf.release()
	if loc, ok := varLocations[name]; ok {
		io.WriteString(w, loc.String())
	}
	return nil
}

// deprecatedExports/obsoleteExports mirror deprecatedVars/obsoleteVars
// for $(KATI_deprecate_export)/$(KATI_obsolete_export): checked at
// export time rather than lookup time.
var (
	deprecatedExports = map[string]bool{}
	obsoleteExports   = map[string]bool{}
)

// profiledMakefiles records files named in $(KATI_profile_makefile).
var profiledMakefiles = map[string]bool{}

// varLocations tracks the most recent assignment site of each
// variable, updated from evalAssign; used by $(KATI_variable_location).
var varLocations = map[string]srcpos{}
