package process

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// procIdentity returns the process group and start time of pid. The start
// time is in clock ticks since boot and does not repeat for a reused pid.
func procIdentity(pid int) (pgid int, start uint64, err error) {
	b, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, 0, err
	}
	return parseStat(string(b))
}

// parseStat reads pgrp (field 5) and starttime (field 22) from a
// /proc/<pid>/stat line. The command name in field 2 may contain spaces
// and parentheses.
func parseStat(stat string) (int, uint64, error) {
	end := strings.LastIndexByte(stat, ')')
	if end < 0 {
		return 0, 0, errors.New("malformed proc stat")
	}
	fields := strings.Fields(stat[end+1:])
	if len(fields) < 20 {
		return 0, 0, errors.New("malformed proc stat")
	}
	pgid, err := strconv.Atoi(fields[2])
	if err != nil {
		return 0, 0, fmt.Errorf("malformed proc stat pgrp: %w", err)
	}
	start, err := strconv.ParseUint(fields[19], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed proc stat starttime: %w", err)
	}
	return pgid, start, nil
}
