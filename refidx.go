// Package refidx wires the BGZF codec, FASTA indexer, GFF3 preprocessor,
// and CSI indexer into a single end-to-end reference-file preparation
// pipeline: BGZF-compress a FASTA and index it, and BGZF-compress a
// coordinate-sorted GFF3 and CSI-index it.
package refidx

import (
	"bytes"
	"io"
	"io/ioutil"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/refidx/encoding/bgzf"
	"github.com/grailbio/refidx/encoding/csi"
	"github.com/grailbio/refidx/encoding/fasta"
	"github.com/grailbio/refidx/encoding/gff3"
)

// FastaArtifacts holds the BGZF-compressed FASTA plus its .fai/.gzi index
// pair.
type FastaArtifacts struct {
	Bgz []byte
	Fai []byte
	Gzi []byte
}

// IndexFasta reads a plain-text FASTA from r, BGZF-compresses it, and
// builds its .fai/.gzi index pair from the compressed form.
func IndexFasta(r io.Reader) (*FastaArtifacts, error) {
	plain, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, errors.E(err, "refidx: reading FASTA input")
	}

	var bgz bytes.Buffer
	w := bgzf.NewWriter(&bgz)
	if _, err := w.Write(plain); err != nil {
		return nil, errors.E(err, "refidx: BGZF-compressing FASTA")
	}
	if _, err := w.Finish(); err != nil {
		return nil, errors.E(err, "refidx: finishing FASTA BGZF stream")
	}

	var fai, gzi bytes.Buffer
	faReader := bgzf.NewReader(bytes.NewReader(bgz.Bytes()))
	if err := fasta.GenerateIndex(&fai, &gzi, faReader); err != nil {
		return nil, errors.E(err, "refidx: indexing FASTA")
	}

	return &FastaArtifacts{Bgz: bgz.Bytes(), Fai: fai.Bytes(), Gzi: gzi.Bytes()}, nil
}

// GFF3Artifacts holds the preprocessed, BGZF-compressed GFF3 plus its .csi
// index.
type GFF3Artifacts struct {
	Bgz []byte
	Csi []byte
}

// IndexGFF3 reads a plain-text GFF3 stream from r, preprocesses it into
// coordinate-sorted order, BGZF-compresses the result, and builds its CSI
// index from the compressed form.
func IndexGFF3(r io.Reader) (*GFF3Artifacts, error) {
	raw, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, errors.E(err, "refidx: reading GFF3 input")
	}
	sorted := gff3.Preprocess(string(raw))

	var bgz bytes.Buffer
	w := bgzf.NewWriter(&bgz)
	if _, err := w.Write([]byte(sorted)); err != nil {
		return nil, errors.E(err, "refidx: BGZF-compressing GFF3")
	}
	if _, err := w.Finish(); err != nil {
		return nil, errors.E(err, "refidx: finishing GFF3 BGZF stream")
	}

	var out bytes.Buffer
	csiReader := bgzf.NewReader(bytes.NewReader(bgz.Bytes()))
	if err := csi.BuildIndex(&out, csiReader); err != nil {
		return nil, errors.E(err, "refidx: indexing GFF3")
	}

	return &GFF3Artifacts{Bgz: bgz.Bytes(), Csi: out.Bytes()}, nil
}
