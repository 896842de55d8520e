/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package settings implements the persistent key/value store contract
// (§4.7): save/load/commit/register over dotted names, longest-prefix
// handler dispatch, and the name_steq subtree-boundary primitive that
// every backend and the dispatch layer rely on.
package settings

import "strings"

// NameSeparator and NameEnd are the two bytes that legally terminate a
// name component match, mirroring SETTINGS_NAME_SEPARATOR ('/') and
// SETTINGS_NAME_END (the flash end-of-record sentinel, modeled here as
// an explicit end of the Go string rather than a literal byte value).
const NameSeparator = '/'

// NameSteq reports whether every byte of key equals the corresponding
// prefix of name, and name either ends exactly there or continues with a
// '/'. On a '/' match, next is the remainder after the separator. This is
// the single subtree-membership rule every backend and the dispatch layer
// must use — property 6.
func NameSteq(name, key string) (ok bool, next string) {
	if !strings.HasPrefix(name, key) {
		return false, ""
	}
	rest := name[len(key):]
	if rest == "" {
		return true, ""
	}
	if rest[0] == NameSeparator {
		return true, rest[1:]
	}
	return false, ""
}

// NameNext splits name at its first '/' boundary, returning the head
// segment length's worth of name consumed and the remainder (mirrors
// settings_name_next, used by backends walking a name component at a
// time).
func NameNext(name string) (head, rest string) {
	i := strings.IndexByte(name, NameSeparator)
	if i < 0 {
		return name, ""
	}
	return name[:i], name[i+1:]
}
