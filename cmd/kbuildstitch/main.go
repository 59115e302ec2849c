// Command kbuild-stitch concatenates a kernel ELF image with an SMP
// trampoline blob at a fixed file offset, producing the combined image
// the bootloader hands off as a single kernel file: the trampoline
// lives below 1MB so the application processors can execute it in real
// mode before jumping to protected/long mode and into the kernel proper.
package main

import (
	"debug/elf"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
)

// TrampolineOffset is where the AP trampoline blob is placed within the
// stitched image, chosen to sit well below the 1MB real-mode ceiling
// and clear of any plausible ELF header/program header region.
const TrampolineOffset = 0x10000

func usage(me string) {
	fmt.Printf("%s <kernel-elf> <trampoline-blob> <output> [offset]\n\n"+
		"Stitch a kernel ELF and an SMP trampoline blob into one image.\n"+
		"offset defaults to 0x%x.\n", me, TrampolineOffset)
	os.Exit(1)
}

func main() {
	if len(os.Args) != 4 && len(os.Args) != 5 {
		usage(os.Args[0])
	}

	kernelPath, trampPath, outPath := os.Args[1], os.Args[2], os.Args[3]
	offset := int64(TrampolineOffset)
	if len(os.Args) == 5 {
		v, err := strconv.ParseInt(os.Args[4], 0, 64)
		if err != nil {
			log.Fatalf("invalid offset %q: %v", os.Args[4], err)
		}
		offset = v
	}

	if err := stitch(kernelPath, trampPath, outPath, offset); err != nil {
		log.Fatal(err)
	}
}

func stitch(kernelPath, trampPath, outPath string, offset int64) error {
	kf, err := os.Open(kernelPath)
	if err != nil {
		return fmt.Errorf("open kernel image: %w", err)
	}
	defer kf.Close()

	ef, err := elf.NewFile(kf)
	if err != nil {
		return fmt.Errorf("parse kernel elf: %w", err)
	}
	if ef.Machine != elf.EM_X86_64 {
		return fmt.Errorf("kernel image is not x86-64")
	}
	if ef.Type != elf.ET_EXEC {
		return fmt.Errorf("kernel image is not a static executable")
	}

	tramp, err := os.ReadFile(trampPath)
	if err != nil {
		return fmt.Errorf("read trampoline blob: %w", err)
	}

	if _, err := kf.Seek(0, io.SeekStart); err != nil {
		return err
	}
	kernelBytes, err := io.ReadAll(kf)
	if err != nil {
		return fmt.Errorf("read kernel image: %w", err)
	}

	if offset < int64(len(kernelBytes)) {
		return fmt.Errorf("trampoline offset 0x%x overlaps the %d-byte kernel image", offset, len(kernelBytes))
	}

	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	defer out.Close()

	if _, err := out.Write(kernelBytes); err != nil {
		return fmt.Errorf("write kernel image: %w", err)
	}
	if err := padTo(out, int64(len(kernelBytes)), offset); err != nil {
		return fmt.Errorf("pad to trampoline offset: %w", err)
	}
	if _, err := out.Write(tramp); err != nil {
		return fmt.Errorf("write trampoline blob: %w", err)
	}

	fmt.Printf("wrote %s: kernel %d bytes, trampoline %d bytes at 0x%x\n",
		outPath, len(kernelBytes), len(tramp), offset)
	return nil
}

// padTo writes zero bytes to w so the next write lands at target,
// given the file is currently written is at position.
func padTo(w io.Writer, position, target int64) error {
	n := target - position
	if n <= 0 {
		return nil
	}
	zeros := make([]byte, 4096)
	for n > 0 {
		chunk := int64(len(zeros))
		if n < chunk {
			chunk = n
		}
		if _, err := w.Write(zeros[:chunk]); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}
