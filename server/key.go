// Copyright 2023 The GigaFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package server

import (
	"encoding/binary"

	apierrors "github.com/gigafs/gigafs/errors"
	"github.com/gigafs/gigafs/giga"
	"github.com/gigafs/gigafs/proto"
)

// KeyMode picks how a child entry is keyed under its parent directory.
// NameInKey appends the child name so collisions resolve from the key
// alone; HashedName replaces the name with its routing hash and moves
// the name into the value. A db must be read with the mode it was
// written with.
type KeyMode int

const (
	NameInKey KeyMode = iota
	HashedName
)

type keyCodec interface {
	// Encode maps (dir, name) to an ordered key.
	Encode(id proto.DirId, name []byte) []byte
	// Name recovers the child name from a key/value pair.
	Name(key, value []byte) ([]byte, error)
	// Value wraps the stat encoding for storage.
	Value(name []byte, stat *proto.Stat) []byte
	// Stat recovers the stat encoding from a stored value.
	Stat(value []byte) (*proto.Stat, error)
}

func newKeyCodec(mode KeyMode) keyCodec {
	if mode == HashedName {
		return hashedNameCodec{}
	}
	return nameInKeyCodec{}
}

// keyPrefix is varint(dnode) || varint(inode); bytewise comparison keeps
// a directory's children contiguous and lexicographically ordered.
func keyPrefix(id proto.DirId) []byte {
	b := make([]byte, 0, 2*binary.MaxVarintLen64+16)
	b = binary.AppendUvarint(b, id.Dnode)
	return binary.AppendUvarint(b, id.Ino)
}

func splitKeyPrefix(key []byte) (id proto.DirId, suffix []byte, err error) {
	dnode, sz := binary.Uvarint(key)
	if sz <= 0 {
		return id, nil, apierrors.ErrCorruption
	}
	key = key[sz:]
	ino, sz := binary.Uvarint(key)
	if sz <= 0 {
		return id, nil, apierrors.ErrCorruption
	}
	return proto.DirId{Dnode: dnode, Ino: ino}, key[sz:], nil
}

type nameInKeyCodec struct{}

func (nameInKeyCodec) Encode(id proto.DirId, name []byte) []byte {
	return append(keyPrefix(id), name...)
}

func (nameInKeyCodec) Name(key, value []byte) ([]byte, error) {
	_, suffix, err := splitKeyPrefix(key)
	return suffix, err
}

func (nameInKeyCodec) Value(name []byte, stat *proto.Stat) []byte {
	return proto.EncodeStat(stat)
}

func (nameInKeyCodec) Stat(value []byte) (*proto.Stat, error) {
	return proto.DecodeStat(value)
}

type hashedNameCodec struct{}

func (hashedNameCodec) Encode(id proto.DirId, name []byte) []byte {
	b := keyPrefix(id)
	var h [4]byte
	binary.BigEndian.PutUint32(h[:], giga.Hash(name))
	return append(b, h[:]...)
}

func (hashedNameCodec) Name(key, value []byte) ([]byte, error) {
	if len(value) < 4 {
		return nil, apierrors.ErrCorruption
	}
	n := binary.BigEndian.Uint32(value)
	if uint32(len(value)-4) < n {
		return nil, apierrors.ErrCorruption
	}
	return value[4 : 4+n], nil
}

func (hashedNameCodec) Value(name []byte, stat *proto.Stat) []byte {
	b := make([]byte, 4, 4+len(name)+64)
	binary.BigEndian.PutUint32(b, uint32(len(name)))
	b = append(b, name...)
	return stat.AppendTo(b)
}

func (hashedNameCodec) Stat(value []byte) (*proto.Stat, error) {
	if len(value) < 4 {
		return nil, apierrors.ErrCorruption
	}
	n := binary.BigEndian.Uint32(value)
	if uint32(len(value)-4) < n {
		return nil, apierrors.ErrCorruption
	}
	return proto.DecodeStat(value[4+n:])
}
