/*
 * SegmentDB
 *
 * Copyright 2016 Matthias Ladkau. All rights reserved.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/krotik/common/fileutil"
)

const DBDir = "clitest"

const testConfig = DBDir + "/test.config.json"

const testData = DBDir + "/data.csv"

const testColumns = "id int64 not null, color string, note string"

func TestMain(m *testing.M) {
	flag.Parse()

	// Setup

	if res, _ := fileutil.PathExists(DBDir); res {
		os.RemoveAll(DBDir)
	}

	err := os.Mkdir(DBDir, 0770)
	if err != nil {
		fmt.Print("Could not create test directory:", err.Error())
		os.Exit(1)
	}

	os.WriteFile(testConfig, []byte(`{
    "LocationDatastore": "clitest/db",
    "EnableLockfile": false,
    "EnableTracing": true,
    "TracingRingSize": 10,
    "LogLevel": "error"
}`), 0644)

	var buf bytes.Buffer

	buf.WriteString("id,color,note\n")
	for i := 0; i < 100; i++ {
		buf.WriteString(fmt.Sprintf("%v,%v,n%v\n", i, []string{"red", "green", "blue"}[i%3], i))
	}
	buf.WriteString("x,red,bad\n")

	os.WriteFile(testData, buf.Bytes(), 0644)

	// Run the tests

	res := m.Run()

	// Teardown

	err = os.RemoveAll(DBDir)
	if err != nil {
		fmt.Print("Could not remove test directory:", err.Error())
	}

	os.Exit(res)
}

func runTool(args ...string) (string, error) {
	var out bytes.Buffer

	err := run(append([]string{"segmentdb", "-config", testConfig}, args...), &out)

	return out.String(), err
}

func TestTool(t *testing.T) {

	if out, err := runTool(); err != nil || !strings.Contains(out, "Available commands:") {
		t.Error("Unexpected result:", out, err)
		return
	}

	if out, err := runTool("load", "-table", "t1", "-file", testData, "-header",
		"-columns", testColumns); err != nil ||
		!strings.HasPrefix(out, "Loaded 100 rows into t1 starting at RID 0\nSkipped 1 row:\n") {

		t.Error("Unexpected result:", out, err)
		return
	}

	// A second load appends to the table

	if out, err := runTool("load", "-table", "t1", "-file", testData, "-header"); err != nil ||
		!strings.HasPrefix(out, "Loaded 100 rows into t1 starting at RID 100\n") {

		t.Error("Unexpected result:", out, err)
		return
	}

	if out, err := runTool("scan", "-table", "t1", "-rid", "-limit", "3"); err != nil || out != `
[rid int64 not null, id int64 not null, color string, note string]
(0, 0, red, n0)
(1, 1, green, n1)
(2, 2, blue, n2)
`[1:] {
		t.Error("Unexpected result:", out, err)
		return
	}

	out, err := runTool("scan", "-table", "t1")
	if lines := strings.Split(strings.TrimSpace(out), "\n"); err != nil || len(lines) != 201 ||
		lines[200] != "(99, red, n99)" {

		t.Error("Unexpected result:", lines[len(lines)-1], len(lines), err)
		return
	}

	if out, err := runTool("index", "-table", "t1", "-column", "color", "-value", "green", "-from", "150"); err != nil ||
		!strings.HasPrefix(out, "152\n155\n") || !strings.HasSuffix(out, "197\n16 matching rows (1 bitmap entry)\n") {

		t.Error("Unexpected result:", out, err)
		return
	}

	if out, err := runTool("index", "-table", "t1", "-column", "color", "-value", "yellow"); err != nil ||
		out != "0 matching rows (0 bitmap entries)\n" {

		t.Error("Unexpected result:", out, err)
		return
	}

	if out, err := runTool("describe", "-file", testData, "-header", "-columns", testColumns); err != nil ||
		out != "id: 2\ncolor: 5\nnote: 3\n" {

		t.Error("Unexpected result:", out, err)
		return
	}

	if out, err := runTool("stats"); err != nil ||
		!strings.Contains(out, "Allocated pages: ") ||
		!strings.Contains(out, "t1 [id int64 not null, color string, note string]: ") ||
		!strings.Contains(out, "Cache:\nhits: ") ||
		!strings.Contains(out, "Trace:\n") {

		t.Error("Unexpected result:", out, err)
		return
	}
}

func TestToolErrors(t *testing.T) {

	if _, err := runTool("scan", "-table", "unknown"); !errors.Is(err, ErrUnknownTable) {
		t.Error("Unexpected result:", err)
		return
	}

	if _, err := runTool("load", "-table", "unknown", "-file", testData); !errors.Is(err, ErrUnknownTable) {
		t.Error("Unexpected result:", err)
		return
	}

	if _, err := runTool("load", "-table", "t2", "-file", testData, "-header",
		"-columns", testColumns); err != nil {

		t.Error(err)
		return
	}

	if _, err := runTool("load", "-table", "t2", "-file", testData, "-header",
		"-columns", "id int64"); !errors.Is(err, ErrColumnsMismatch) {

		t.Error("Unexpected result:", err)
		return
	}

	if _, err := runTool("index", "-table", "t2", "-column", "size", "-value", "1"); err == nil ||
		!strings.Contains(err.Error(), "size") {

		t.Error("Unexpected result:", err)
		return
	}

	if _, err := runTool("load", "-table", "t2"); err == nil || err.Error() != "No data file given" {
		t.Error("Unexpected result:", err)
		return
	}

	if _, err := runTool("describe", "-file", testData); err == nil || err.Error() != "No columns given" {
		t.Error("Unexpected result:", err)
		return
	}

	if out, err := runTool("foo"); err == nil || !strings.Contains(out, "Available commands:") {
		t.Error("Unexpected result:", out, err)
		return
	}

	if out, err := runTool("stats", "-help"); err != nil || !strings.Contains(out, "Usage of stats") {
		t.Error("Unexpected result:", out, err)
		return
	}
}
