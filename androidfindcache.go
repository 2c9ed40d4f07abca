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
	"path/filepath"

	"github.com/golang/glog"
)

// UseFindEmulator enables serving $(shell find ...)/findleaves.py idioms
// from the in-process find emulator instead of forking a shell.
var UseFindEmulator bool

// androidFindCacheT warms fsCache by walking the whole source tree once,
// up front, pruning the directory names given in prunes, so later
// find-emulator calls hit a populated cache instead of
// touching the filesystem per invocation.
type androidFindCacheT struct {
	prunes    []string
	leafNames []string
}

var androidFindCache androidFindCacheT

func (c *androidFindCacheT) isPruned(name string) bool {
	for _, p := range c.prunes {
		if name == p {
			return true
		}
	}
	return false
}

func (c *androidFindCacheT) walk(dir string) {
	id := fsCache.fileid(dir)
	_, ents := fsCache.readdir(dir, id)
	for _, ent := range ents {
		if !ent.mode.IsDir() {
			continue
		}
		if c.isPruned(ent.name) {
			glog.V(1).Infof("android find cache: prune %s", filepath.Join(dir, ent.name))
			continue
		}
		c.walk(filepath.Join(dir, ent.name))
	}
}

// AndroidFindCacheInit primes the find emulator's directory cache by
// walking the tree rooted at the current directory once, skipping the
// directories named in prunes. leafNames is recorded for future use by
// findleaves.py-style queries but does not affect the initial walk.
func AndroidFindCacheInit(prunes, leafNames []string) {
	androidFindCache.prunes = prunes
	androidFindCache.leafNames = leafNames
	androidFindCache.walk(".")
	glog.Infof("android find cache: primed %d dirs, %d files", fsCache.dirs(), fsCache.files())
}
