// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package prometheus

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/prometheus/common/expfmt"
)

// ExportedData is metric data in the text exposition format, as produced by
// Write.
type ExportedData []byte

// Families parses the data and returns the number of samples of each metric
// family. It fails if the data is not valid exposition format or if a metric
// name is not lower case snake case.
func (e ExportedData) Families() (map[string]int, error) {
	parsed, err := (&expfmt.TextParser{}).TextToMetricFamilies(bytes.NewReader(e))
	if err != nil {
		return nil, err
	}
	families := make(map[string]int, len(parsed))
	for name, family := range parsed {
		if err := checkName(name); err != nil {
			return nil, err
		}
		families[name] = len(family.GetMetric())
	}
	return families, nil
}

// Integer returns the value of the counter, gauge or untyped sample of the
// given metric whose labels include wantLabels. Exactly one sample must
// match.
func (e ExportedData) Integer(name string, wantLabels map[string]string) (int64, error) {
	parsed, err := (&expfmt.TextParser{}).TextToMetricFamilies(bytes.NewReader(e))
	if err != nil {
		return 0, err
	}
	family, ok := parsed[name]
	if !ok {
		return 0, fmt.Errorf("metric %q not found", name)
	}
	found := -1
	for i, data := range family.GetMetric() {
		labels := make(map[string]string, len(data.GetLabel()))
		for _, label := range data.GetLabel() {
			labels[label.GetName()] = label.GetValue()
		}
		match := true
		for k, v := range wantLabels {
			if labels[k] != v {
				match = false
				break
			}
		}
		if !match {
			continue
		}
		if found != -1 {
			return 0, fmt.Errorf("multiple samples of %q match labels %v", name, wantLabels)
		}
		found = i
	}
	if found == -1 {
		return 0, fmt.Errorf("no sample of %q matches labels %v", name, wantLabels)
	}
	data := family.GetMetric()[found]
	switch {
	case data.GetCounter() != nil:
		return int64(data.GetCounter().GetValue()), nil
	case data.GetGauge() != nil:
		return int64(data.GetGauge().GetValue()), nil
	case data.GetUntyped() != nil:
		return int64(data.GetUntyped().GetValue()), nil
	case data.GetHistogram() != nil:
		return int64(data.GetHistogram().GetSampleCount()), nil
	default:
		return 0, errors.New("sample has no value")
	}
}

func checkName(name string) error {
	if name == "" {
		return errors.New("empty metric name")
	}
	if !unicode.IsLower(rune(name[0])) {
		return fmt.Errorf("invalid initial character in metric name %q", name)
	}
	if i := strings.IndexFunc(name, func(r rune) bool {
		return !unicode.IsLower(r) && !unicode.IsDigit(r) && r != '_'
	}); i >= 0 {
		return fmt.Errorf("invalid character %q in metric name %q", name[i], name)
	}
	return nil
}
