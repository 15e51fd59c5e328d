// Command powtool inspects compact targets, proof of work and the next
// required target of a stored header chain.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/djkazic/retargetd/internal/chain"
	"github.com/djkazic/retargetd/internal/chaincfg"
	"github.com/djkazic/retargetd/internal/pow"
	"github.com/djkazic/retargetd/internal/types"
	"github.com/djkazic/retargetd/pkg/util"
)

var errUsage = errors.New("usage")

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			printUsage(os.Stderr)
		} else {
			fmt.Fprintf(os.Stderr, "powtool: %s\n", err)
		}
		os.Exit(1)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  powtool decode <bits>                         decode a compact target")
	fmt.Fprintln(w, "  powtool encode <target>                       encode a hex target as compact bits")
	fmt.Fprintln(w, "  powtool check [-network n] <hash> <bits>      check a hash against compact bits")
	fmt.Fprintln(w, "  powtool header [-network n] <header>          check an 80-byte hex header's proof of work")
	fmt.Fprintln(w, "  powtool next [-network n] [-store b] -datadir d [-time t]")
	fmt.Fprintln(w, "                                                next required bits of a stored chain")
}

func run(args []string, out io.Writer) error {
	if len(args) < 1 {
		return errUsage
	}

	decodeCmd := flag.NewFlagSet("decode", flag.ContinueOnError)
	encodeCmd := flag.NewFlagSet("encode", flag.ContinueOnError)
	checkCmd := flag.NewFlagSet("check", flag.ContinueOnError)
	headerCmd := flag.NewFlagSet("header", flag.ContinueOnError)
	nextCmd := flag.NewFlagSet("next", flag.ContinueOnError)

	checkNetwork := checkCmd.String("network", chaincfg.MainNetParams.Name, "network whose limit applies")
	headerNetwork := headerCmd.String("network", chaincfg.MainNetParams.Name, "network whose hash and limit apply")
	nextNetwork := nextCmd.String("network", chaincfg.MainNetParams.Name, "network of the stored chain")
	nextStore := nextCmd.String("store", chain.BackendBolt, "store backend (bolt or leveldb)")
	nextDataDir := nextCmd.String("datadir", "", "daemon data directory")
	nextTime := nextCmd.Int64("time", 0, "candidate timestamp (default: now)")

	for _, fs := range []*flag.FlagSet{decodeCmd, encodeCmd, checkCmd, headerCmd, nextCmd} {
		fs.SetOutput(io.Discard)
	}

	switch args[0] {
	case "decode":
		if err := decodeCmd.Parse(args[1:]); err != nil || decodeCmd.NArg() != 1 {
			return errUsage
		}
		bits, err := parseBits(decodeCmd.Arg(0))
		if err != nil {
			return err
		}
		return decode(out, bits)

	case "encode":
		if err := encodeCmd.Parse(args[1:]); err != nil || encodeCmd.NArg() != 1 {
			return errUsage
		}
		target, err := parseTarget(encodeCmd.Arg(0))
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "bits: %08x\n", util.EncodeCompact(target))
		return nil

	case "check":
		if err := checkCmd.Parse(args[1:]); err != nil || checkCmd.NArg() != 2 {
			return errUsage
		}
		params, err := chaincfg.ParamsForNetwork(*checkNetwork)
		if err != nil {
			return err
		}
		hash, err := parseTarget(checkCmd.Arg(0))
		if err != nil {
			return err
		}
		bits, err := parseBits(checkCmd.Arg(1))
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "valid: %t\n", pow.CheckProofOfWork(hash, bits, params))
		return nil

	case "header":
		if err := headerCmd.Parse(args[1:]); err != nil || headerCmd.NArg() != 1 {
			return errUsage
		}
		params, err := chaincfg.ParamsForNetwork(*headerNetwork)
		if err != nil {
			return err
		}
		return checkHeader(out, headerCmd.Arg(0), params)

	case "next":
		if err := nextCmd.Parse(args[1:]); err != nil || *nextDataDir == "" {
			return errUsage
		}
		params, err := chaincfg.ParamsForNetwork(*nextNetwork)
		if err != nil {
			return err
		}
		ts := *nextTime
		if ts == 0 {
			ts = time.Now().Unix()
		}
		return next(out, params, *nextStore, *nextDataDir, ts)

	default:
		return errUsage
	}
}

func decode(out io.Writer, bits uint32) error {
	target, negative, overflow := util.DecodeCompact(bits)
	fmt.Fprintf(out, "bits:       %08x\n", bits)
	fmt.Fprintf(out, "target:     %064x\n", target.ToBig())
	fmt.Fprintf(out, "negative:   %t\n", negative)
	fmt.Fprintf(out, "overflow:   %t\n", overflow)
	if !negative && !overflow && !target.IsZero() {
		fmt.Fprintf(out, "difficulty: %.8f\n", util.TargetToDifficulty(target, chaincfg.MainNetParams.PowLimit))
	}
	return nil
}

func checkHeader(out io.Writer, headerHex string, params *chaincfg.Params) error {
	raw, err := util.HexToBytes(headerHex)
	if err != nil {
		return fmt.Errorf("invalid header hex: %w", err)
	}
	hdr, err := types.DeserializeHeader(raw)
	if err != nil {
		return err
	}
	powHash, err := hdr.PoWHash(params.PoWHash)
	if err != nil {
		return err
	}
	ok, err := pow.CheckHeaderProofOfWork(hdr, params)
	if err != nil {
		return err
	}
	hash := hdr.Hash()
	fmt.Fprintf(out, "hash:     %s\n", util.HashToHex(hash))
	fmt.Fprintf(out, "pow hash: %s\n", util.HashToHex(powHash))
	fmt.Fprintf(out, "bits:     %08x\n", hdr.Bits)
	fmt.Fprintf(out, "valid:    %t\n", ok)
	return nil
}

func next(out io.Writer, params *chaincfg.Params, backend, dataDir string, ts int64) error {
	if backend == chain.BackendMemory {
		return fmt.Errorf("the memory store holds no chain")
	}
	store, err := chain.OpenStore(backend, dataDir, zap.NewNop())
	if err != nil {
		return err
	}
	defer store.Close()

	c, err := chain.New(store, params, zap.NewNop())
	if err != nil {
		return err
	}
	tip, ok := c.Tip()
	if !ok {
		return fmt.Errorf("no headers stored in %s", dataDir)
	}
	candidate := types.BlockHeader{PrevBlock: tip.Hash(), Timestamp: uint32(ts)}
	bits, err := c.NextRequiredTarget(&candidate)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "tip:    %d %s\n", tip.Height, tip.HashHex())
	fmt.Fprintf(out, "bits:   %08x\n", tip.Bits())
	fmt.Fprintf(out, "next:   %08x\n", bits)
	return nil
}

func parseBits(s string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid bits %q: %w", s, err)
	}
	return uint32(v), nil
}

// parseTarget reads a big-endian hex number of at most 256 bits.
func parseTarget(s string) (*uint256.Int, error) {
	s = strings.TrimPrefix(s, "0x")
	if len(s)%2 == 1 {
		s = "0" + s
	}
	b, err := util.HexToBytes(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex %q: %w", s, err)
	}
	if len(b) > 32 {
		return nil, fmt.Errorf("value exceeds 256 bits")
	}
	return new(uint256.Int).SetBytes(b), nil
}
