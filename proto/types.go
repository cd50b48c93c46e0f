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

package proto

import (
	"encoding/binary"

	apierrors "github.com/gigafs/gigafs/errors"
)

type (
	Dnode    = uint64
	Ino      = uint64
	ServerID = uint32
)

const (
	// NeverExpires marks a lease that stays valid forever.
	NeverExpires = ^uint64(0)

	RootDnode = Dnode(0)
	RootIno   = Ino(0)

	lookupStatSize = 40
	statSize       = 56
)

// DirId uniquely identifies a directory across federated namespaces.
// The root directory is (0, 0).
type DirId struct {
	Dnode Dnode
	Ino   Ino
}

func RootDirId() DirId {
	return DirId{Dnode: RootDnode, Ino: RootIno}
}

// User is the authenticated principal an operation runs as. Ancillary
// groups are not modeled.
type User struct {
	Uid uint32
	Gid uint32
}

// Stat is the full inode record of a file or directory. A directory Stat
// is the authoritative form from which a LookupStat is derived.
type Stat struct {
	Dnode        Dnode
	Ino          Ino
	ZerothServer ServerID
	FileMode     uint32
	Uid          uint32
	Gid          uint32
	FileSize     uint64
	ModifyTime   uint64 // microseconds since epoch
	ChangeTime   uint64
}

// LookupStat is a server-issued lease on a directory. LeaseDue is an
// absolute deadline in microseconds since epoch; NeverExpires means the
// lease never goes stale.
type LookupStat struct {
	Dnode        Dnode
	Ino          Ino
	ZerothServer ServerID
	DirMode      uint32
	Uid          uint32
	Gid          uint32
	LeaseDue     uint64
}

func (p *LookupStat) DirId() DirId {
	return DirId{Dnode: p.Dnode, Ino: p.Ino}
}

// LeaseValid reports whether the lease may still be relied upon at the
// given time. A lease due exactly now is expired.
func (p *LookupStat) LeaseValid(nowMicros uint64) bool {
	return p.LeaseDue == NeverExpires || nowMicros < p.LeaseDue
}

// LookupStatFromStat derives a directory lease from its inode record.
func LookupStatFromStat(stat *Stat, leaseDue uint64) LookupStat {
	return LookupStat{
		Dnode:        stat.Dnode,
		Ino:          stat.Ino,
		ZerothServer: stat.ZerothServer,
		DirMode:      stat.FileMode,
		Uid:          stat.Uid,
		Gid:          stat.Gid,
		LeaseDue:     leaseDue,
	}
}

const (
	// S_IFDIR is the directory bit of FileMode, mirroring the unix value.
	S_IFDIR = uint32(0o040000)
	S_IFREG = uint32(0o100000)
)

func (s *Stat) IsDirectory() bool {
	return s.FileMode&S_IFDIR != 0
}

// Fixed little-endian layouts. The wire protocol and the persisted value
// format share these encodings, so both ends must stay in lockstep.

func (p *LookupStat) AppendTo(b []byte) []byte {
	var buf [lookupStatSize]byte
	binary.LittleEndian.PutUint64(buf[0:], p.Dnode)
	binary.LittleEndian.PutUint64(buf[8:], p.Ino)
	binary.LittleEndian.PutUint32(buf[16:], p.ZerothServer)
	binary.LittleEndian.PutUint32(buf[20:], p.DirMode)
	binary.LittleEndian.PutUint32(buf[24:], p.Uid)
	binary.LittleEndian.PutUint32(buf[28:], p.Gid)
	binary.LittleEndian.PutUint64(buf[32:], p.LeaseDue)
	return append(b, buf[:]...)
}

func (p *LookupStat) DecodeFrom(b []byte) ([]byte, error) {
	if len(b) < lookupStatSize {
		return nil, apierrors.ErrBadMessage
	}
	p.Dnode = binary.LittleEndian.Uint64(b[0:])
	p.Ino = binary.LittleEndian.Uint64(b[8:])
	p.ZerothServer = binary.LittleEndian.Uint32(b[16:])
	p.DirMode = binary.LittleEndian.Uint32(b[20:])
	p.Uid = binary.LittleEndian.Uint32(b[24:])
	p.Gid = binary.LittleEndian.Uint32(b[28:])
	p.LeaseDue = binary.LittleEndian.Uint64(b[32:])
	return b[lookupStatSize:], nil
}

func (s *Stat) AppendTo(b []byte) []byte {
	var buf [statSize]byte
	binary.LittleEndian.PutUint64(buf[0:], s.Dnode)
	binary.LittleEndian.PutUint64(buf[8:], s.Ino)
	binary.LittleEndian.PutUint32(buf[16:], s.ZerothServer)
	binary.LittleEndian.PutUint32(buf[20:], s.FileMode)
	binary.LittleEndian.PutUint32(buf[24:], s.Uid)
	binary.LittleEndian.PutUint32(buf[28:], s.Gid)
	binary.LittleEndian.PutUint64(buf[32:], s.FileSize)
	binary.LittleEndian.PutUint64(buf[40:], s.ModifyTime)
	binary.LittleEndian.PutUint64(buf[48:], s.ChangeTime)
	return append(b, buf[:]...)
}

func (s *Stat) DecodeFrom(b []byte) ([]byte, error) {
	if len(b) < statSize {
		return nil, apierrors.ErrBadMessage
	}
	s.Dnode = binary.LittleEndian.Uint64(b[0:])
	s.Ino = binary.LittleEndian.Uint64(b[8:])
	s.ZerothServer = binary.LittleEndian.Uint32(b[16:])
	s.FileMode = binary.LittleEndian.Uint32(b[20:])
	s.Uid = binary.LittleEndian.Uint32(b[24:])
	s.Gid = binary.LittleEndian.Uint32(b[28:])
	s.FileSize = binary.LittleEndian.Uint64(b[32:])
	s.ModifyTime = binary.LittleEndian.Uint64(b[40:])
	s.ChangeTime = binary.LittleEndian.Uint64(b[48:])
	return b[statSize:], nil
}

// EncodeStat returns the persisted value format of a Stat.
func EncodeStat(s *Stat) []byte {
	return s.AppendTo(make([]byte, 0, statSize))
}

func DecodeStat(b []byte) (*Stat, error) {
	s := new(Stat)
	if _, err := s.DecodeFrom(b); err != nil {
		return nil, err
	}
	return s, nil
}
