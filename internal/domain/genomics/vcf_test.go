package genomics

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleVCF = "##fileformat=VCFv4.2\n" +
	"##source=test\n" +
	"#CHROM\tPOS\tID\tREF\tALT\tQUAL\tFILTER\tINFO\tFORMAT\tNA12878\n" +
	"10\t94781859\trs4244285\tG\tA\t99\tPASS\tGENE=CYP2C19;IMPACT=HIGH\tGT:DP\t0/1:35\n" +
	"22\t42128945\t.\tC\tT\t50\tPASS\tANN=T|missense_variant|MODERATE|ENSG00000100197|CYP2D6\tGT\t1/1\n" +
	"7\t117559590\trs113993960\tATCT\tA\t.\tPASS\tCSQ=1234|CFTR|x\tGT\t./.\n" +
	"short\tline\n" +
	"\n" +
	"1\t100\trs1\tA\tG\t10\tPASS\tDP=5\tGT\t.\n"

func TestParseVCF(t *testing.T) {
	vcf, err := ParseVCF(strings.NewReader(sampleVCF))
	require.NoError(t, err)
	assert.Equal(t, "NA12878", vcf.SampleName)
	require.Len(t, vcf.Variants, 4)

	v := vcf.Variants[0]
	assert.Equal(t, "rs4244285", v.RSID)
	assert.Equal(t, "CYP2C19", v.Gene)
	assert.Equal(t, "HIGH", v.Impact)
	assert.Equal(t, "0/1", v.Genotype)

	v = vcf.Variants[1]
	assert.Equal(t, "chr22:42128945", v.RSID, "missing ids are synthesized from the position")
	assert.Equal(t, "CYP2D6", v.Gene)
	assert.Equal(t, Unknown, v.Impact)
	assert.Equal(t, "1/1", v.Genotype)

	v = vcf.Variants[2]
	assert.Equal(t, "CFTR", v.Gene, "numeric CSQ fields are skipped")
	assert.Equal(t, "./.", v.Genotype)

	v = vcf.Variants[3]
	assert.Equal(t, Unknown, v.Gene)
	assert.Empty(t, v.Genotype)
}

func TestParseVCFWithoutFormatColumn(t *testing.T) {
	in := "#CHROM\tPOS\tID\tREF\tALT\tQUAL\tFILTER\tINFO\n" +
		"10\t1\trs9\tA\tG\t1\tPASS\tGENE=TPMT\n"
	vcf, err := ParseVCF(strings.NewReader(in))
	require.NoError(t, err)
	assert.Empty(t, vcf.SampleName)
	require.Len(t, vcf.Variants, 1)
	assert.Empty(t, vcf.Variants[0].Genotype)
}

func TestSummary(t *testing.T) {
	vcf, err := ParseVCF(strings.NewReader(sampleVCF))
	require.NoError(t, err)
	assert.Equal(t, []string{"CFTR", "CYP2C19", "CYP2D6", Unknown}, vcf.Genes())
	assert.Equal(t, "Found 4 variants across 4 genes: CFTR, CYP2C19, CYP2D6, Unknown", vcf.Summary())
	assert.Equal(t, "No variants found", (&VCF{}).Summary())
}
