// Package transfer implements the block-update transfer engine (spec §4.10):
// a transfer-list command interpreter that reads/writes a partition device
// in 4 KiB blocks, fed on one side by a demand-pulled new-data producer and
// on the other by the disk-backed stash (internal/store). Grounded on
// original_source/services/updater_binary/update_image_block.cpp, the only
// retrieved file that calls into TransferManager/Store/BlockSet; the
// transfer-list grammar, command set, and producer/consumer handshake come
// from spec §4.10 directly, since transfer_manager.{cpp,h} itself was not
// part of the retrieved pack.
package transfer

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"github.com/open-edge-platform/updater-core/internal/blockset"
	"github.com/open-edge-platform/updater-core/internal/pkgerr"
)

// Op identifies a transfer-list command.
type Op string

const (
	OpErase   Op = "erase"
	OpZero    Op = "zero"
	OpNew     Op = "new"
	OpMove    Op = "move"
	OpBSDiff  Op = "bsdiff"
	OpImgDiff Op = "imgdiff"
	OpStash   Op = "stash"
	OpFree    Op = "free"
)

// SourcePiece is one reassembly component of a diff/move source: either a
// plain on-device range (Hash == "-") or a stashed blob read back by Hash.
type SourcePiece struct {
	Hash   string
	Blocks *blockset.BlockSet
}

// Source is a `move`/`bsdiff`/`imgdiff` source-range-spec (spec §4.10): a
// single plain BlockSet, or several pieces reassembled from the stash and/or
// overlapping target-device ranges.
type Source struct {
	Plain  *blockset.BlockSet
	Pieces []SourcePiece
}

// BlockCount returns the total number of source blocks, however assembled.
func (s *Source) BlockCount() uint64 {
	if s.Plain != nil {
		return s.Plain.BlockCount()
	}
	var total uint64
	for _, p := range s.Pieces {
		total += p.Blocks.BlockCount()
	}
	return total
}

// Command is one parsed transfer-list line.
type Command struct {
	Op Op

	// erase, zero, new, stash
	Blocks *blockset.BlockSet

	// move, stash, free
	Hash string

	// move, bsdiff, imgdiff
	Target *blockset.BlockSet
	Src    *Source

	// bsdiff, imgdiff
	PatchOffset int64
	PatchLen    int64
	SrcHash     string
	TgtHash     string
}

// List is a fully parsed transfer-list (spec §4.10's four-line header plus
// one command per remaining line).
type List struct {
	Version         int
	TotalBlocks     uint64
	MaxStash        uint64
	MaxStashEntries uint64
	Commands        []Command
}

// ParseList parses the transfer-list text format from spec §4.10.
func ParseList(data []byte) (*List, error) {
	const op = "transfer.ParseList"
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, pkgerr.New(pkgerr.InvalidPkgFormat, op, err)
	}
	if len(lines) < 4 {
		return nil, pkgerr.New(pkgerr.InvalidPkgFormat, op, fmt.Errorf("transfer list has %d lines, need at least 4", len(lines)))
	}

	version, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return nil, pkgerr.New(pkgerr.InvalidPkgFormat, op, fmt.Errorf("bad version line %q: %w", lines[0], err))
	}
	totalBlocks, err := strconv.ParseUint(strings.TrimSpace(lines[1]), 10, 64)
	if err != nil {
		return nil, pkgerr.New(pkgerr.InvalidPkgFormat, op, fmt.Errorf("bad total-blocks line %q: %w", lines[1], err))
	}
	maxStash, err := strconv.ParseUint(strings.TrimSpace(lines[2]), 10, 64)
	if err != nil {
		return nil, pkgerr.New(pkgerr.InvalidPkgFormat, op, fmt.Errorf("bad max-stash line %q: %w", lines[2], err))
	}
	maxStashEntries, err := strconv.ParseUint(strings.TrimSpace(lines[3]), 10, 64)
	if err != nil {
		return nil, pkgerr.New(pkgerr.InvalidPkgFormat, op, fmt.Errorf("bad max-stash-entries line %q: %w", lines[3], err))
	}

	list := &List{
		Version:         version,
		TotalBlocks:     totalBlocks,
		MaxStash:        maxStash,
		MaxStashEntries: maxStashEntries,
	}

	for i := 4; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		cmd, err := parseCommand(line)
		if err != nil {
			return nil, pkgerr.New(pkgerr.InvalidPkgFormat, op, fmt.Errorf("line %d: %w", i+1, err))
		}
		list.Commands = append(list.Commands, cmd)
	}
	return list, nil
}

func parseCommand(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, fmt.Errorf("empty command line")
	}
	op := Op(fields[0])
	rest := fields[1:]

	switch op {
	case OpErase, OpZero, OpNew:
		bs, err := blockset.Parse(strings.Join(rest, " "))
		if err != nil {
			return Command{}, fmt.Errorf("%s: %w", op, err)
		}
		return Command{Op: op, Blocks: bs}, nil

	case OpFree:
		if len(rest) != 1 {
			return Command{}, fmt.Errorf("free: want 1 argument, got %d", len(rest))
		}
		return Command{Op: op, Hash: rest[0]}, nil

	case OpStash:
		if len(rest) < 2 {
			return Command{}, fmt.Errorf("stash: too few arguments")
		}
		bs, err := blockset.Parse(strings.Join(rest[1:], " "))
		if err != nil {
			return Command{}, fmt.Errorf("stash: %w", err)
		}
		return Command{Op: op, Hash: rest[0], Blocks: bs}, nil

	case OpMove:
		return parseMove(rest)

	case OpBSDiff, OpImgDiff:
		return parseDiff(op, rest)

	default:
		return Command{}, fmt.Errorf("unrecognized command %q", fields[0])
	}
}

// parseMove consumes `<hash> <tgt-blockset> "-" <src-range-spec>`: the
// target BlockSet is self-delimiting (its own leading count), so the
// remaining tokens after the literal "-" separator are the source spec.
func parseMove(rest []string) (Command, error) {
	if len(rest) < 2 {
		return Command{}, fmt.Errorf("move: too few arguments")
	}
	hash := rest[0]
	tgt, consumed, err := consumeBlockSet(rest[1:])
	if err != nil {
		return Command{}, fmt.Errorf("move target: %w", err)
	}
	after := rest[1+consumed:]
	if len(after) == 0 || after[0] != "-" {
		return Command{}, fmt.Errorf("move: expected \"-\" separator before source spec")
	}
	src, err := parseSource(after[1:])
	if err != nil {
		return Command{}, fmt.Errorf("move source: %w", err)
	}
	return Command{Op: OpMove, Hash: hash, Target: tgt, Src: src}, nil
}

// parseDiff consumes `<patch_off> <patch_len> <src_hash> <tgt_hash> <tgt-blockset> <src-range-spec>`.
func parseDiff(op Op, rest []string) (Command, error) {
	if len(rest) < 5 {
		return Command{}, fmt.Errorf("%s: too few arguments", op)
	}
	patchOff, err := strconv.ParseInt(rest[0], 10, 64)
	if err != nil {
		return Command{}, fmt.Errorf("%s: bad patch_off %q: %w", op, rest[0], err)
	}
	patchLen, err := strconv.ParseInt(rest[1], 10, 64)
	if err != nil {
		return Command{}, fmt.Errorf("%s: bad patch_len %q: %w", op, rest[1], err)
	}
	srcHash := rest[2]
	tgtHash := rest[3]

	tgt, consumed, err := consumeBlockSet(rest[4:])
	if err != nil {
		return Command{}, fmt.Errorf("%s target: %w", op, err)
	}
	srcTokens := rest[4+consumed:]
	src, err := parseSource(srcTokens)
	if err != nil {
		return Command{}, fmt.Errorf("%s source: %w", op, err)
	}

	return Command{
		Op:          op,
		PatchOffset: patchOff,
		PatchLen:    patchLen,
		SrcHash:     srcHash,
		TgtHash:     tgtHash,
		Target:      tgt,
		Src:         src,
	}, nil
}

// consumeBlockSet parses the self-delimiting `count s1 e1 …` prefix of
// tokens and reports how many tokens it consumed.
func consumeBlockSet(tokens []string) (*blockset.BlockSet, int, error) {
	if len(tokens) == 0 {
		return nil, 0, fmt.Errorf("missing blockset")
	}
	count, err := strconv.ParseUint(tokens[0], 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("bad blockset count %q: %w", tokens[0], err)
	}
	need := 1 + int(count)
	if need > len(tokens) {
		return nil, 0, fmt.Errorf("blockset declares %d tokens, only %d available", count, len(tokens)-1)
	}
	bs, err := blockset.Parse(strings.Join(tokens[:need], " "))
	if err != nil {
		return nil, 0, err
	}
	return bs, need, nil
}

// parseSource parses a src-range-spec: either a plain self-delimiting
// BlockSet, or "stash N (hash blockset)+" reassembling the source from N
// stash entries and/or overlapping target-device ranges (hash "-" meaning
// "read directly from the target device at this range", per spec §4.10's
// "partially-overlapping target region" case).
func parseSource(tokens []string) (*Source, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("missing source spec")
	}
	if tokens[0] != "stash" {
		bs, consumed, err := consumeBlockSet(tokens)
		if err != nil {
			return nil, err
		}
		if consumed != len(tokens) {
			return nil, fmt.Errorf("trailing tokens after plain source blockset")
		}
		return &Source{Plain: bs}, nil
	}

	rest := tokens[1:]
	if len(rest) == 0 {
		return nil, fmt.Errorf("stash source: missing piece count")
	}
	n, err := strconv.Atoi(rest[0])
	if err != nil {
		return nil, fmt.Errorf("stash source: bad piece count %q: %w", rest[0], err)
	}
	rest = rest[1:]

	pieces := make([]SourcePiece, 0, n)
	for i := 0; i < n; i++ {
		if len(rest) == 0 {
			return nil, fmt.Errorf("stash source: declared %d pieces, ran out of tokens", n)
		}
		hash := rest[0]
		bs, consumed, err := consumeBlockSet(rest[1:])
		if err != nil {
			return nil, fmt.Errorf("stash source piece %d: %w", i, err)
		}
		pieces = append(pieces, SourcePiece{Hash: hash, Blocks: bs})
		rest = rest[1+consumed:]
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("stash source: trailing tokens after %d declared pieces", n)
	}
	return &Source{Pieces: pieces}, nil
}
