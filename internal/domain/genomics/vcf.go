// Package genomics imports patient variant files and turns pharmacogenomic
// annotations into drug review records.
package genomics

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Unknown is used when a gene or impact cannot be determined
const Unknown = "Unknown"

// Variant is one parsed VCF data line
type Variant struct {
	Chrom    string `json:"chrom"`
	Pos      string `json:"pos"`
	RSID     string `json:"rsid"`
	Ref      string `json:"ref"`
	Alt      string `json:"alt"`
	Qual     string `json:"qual"`
	Gene     string `json:"gene"`
	Impact   string `json:"impact"`
	Genotype string `json:"genotype,omitempty"`
}

// VCF is the parsed content of a variant file
type VCF struct {
	SampleName string
	Variants   []*Variant
}

// maxLine bounds a single VCF line; annotated lines can be long
const maxLine = 4 << 20

// ParseVCF reads a tab-delimited VCF stream
func ParseVCF(r io.Reader) (*VCF, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLine)

	out := &VCF{}
	sampleIndex := -1
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimRight(sc.Text(), "\r\n")
		switch {
		case strings.HasPrefix(line, "##"):
			continue
		case strings.HasPrefix(line, "#"):
			header := strings.Split(strings.TrimSpace(line), "\t")
			for i, col := range header {
				if col == "FORMAT" {
					sampleIndex = i + 1
					if sampleIndex < len(header) {
						out.SampleName = header[sampleIndex]
					}
					break
				}
			}
			continue
		case strings.TrimSpace(line) == "":
			continue
		}

		if v := parseLine(line, sampleIndex); v != nil {
			out.Variants = append(out.Variants, v)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read vcf line %d: %w", lineNo+1, err)
	}
	return out, nil
}

func parseLine(line string, sampleIndex int) *Variant {
	fields := strings.Split(strings.TrimSpace(line), "\t")
	if len(fields) < 8 {
		return nil
	}

	v := &Variant{
		Chrom: fields[0],
		Pos:   fields[1],
		RSID:  fields[2],
		Ref:   fields[3],
		Alt:   fields[4],
		Qual:  fields[5],
	}
	if v.RSID == "." {
		v.RSID = "chr" + v.Chrom + ":" + v.Pos
	}

	info := parseInfo(fields[7])
	v.Gene = geneFromInfo(info)
	v.Impact = Unknown
	if s := strings.TrimSpace(info["IMPACT"]); s != "" && s != "." {
		v.Impact = s
	}

	if sampleIndex > 0 && sampleIndex < len(fields) && len(fields) > 8 {
		if strings.HasPrefix(fields[8], "GT") {
			gt := strings.SplitN(fields[sampleIndex], ":", 2)[0]
			if gt != "." && gt != "" {
				v.Genotype = gt
			}
		}
	}
	return v
}

func parseInfo(field string) map[string]string {
	out := make(map[string]string)
	for _, kv := range strings.Split(field, ";") {
		k, val, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if _, dup := out[k]; !dup {
			out[k] = val
		}
	}
	return out
}

// geneFromInfo tries GENE=, then the SnpEff ANN gene column, then the first
// plausible symbol of a VEP CSQ entry
func geneFromInfo(info map[string]string) string {
	if g := strings.TrimSpace(info["GENE"]); g != "" && g != "." {
		return g
	}

	if ann, ok := info["ANN"]; ok {
		parts := strings.Split(strings.SplitN(ann, ",", 2)[0], "|")
		if len(parts) > 4 && parts[4] != "" && parts[4] != "." {
			return parts[4]
		}
	}

	if csq, ok := info["CSQ"]; ok {
		for _, part := range strings.Split(strings.SplitN(csq, ",", 2)[0], "|") {
			if part != "" && part != "." && len(part) < 50 && !isDigits(part) {
				return part
			}
		}
	}
	return Unknown
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Genes returns the distinct genes of the parsed variants, sorted
func (v *VCF) Genes() []string {
	seen := make(map[string]struct{})
	for _, variant := range v.Variants {
		seen[variant.Gene] = struct{}{}
	}
	genes := make([]string, 0, len(seen))
	for g := range seen {
		genes = append(genes, g)
	}
	sort.Strings(genes)
	return genes
}

// Summary describes the parsed file for an operator
func (v *VCF) Summary() string {
	if len(v.Variants) == 0 {
		return "No variants found"
	}
	genes := v.Genes()
	return fmt.Sprintf("Found %d variants across %d genes: %s", len(v.Variants), len(genes), strings.Join(genes, ", "))
}
