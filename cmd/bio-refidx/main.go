// See doc.go for documentation
package main

import (
	"flag"
	"io/ioutil"
	"os"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/refidx"
	"github.com/pkg/errors"
	"v.io/x/lib/vlog"
)

var (
	fastaPath = flag.String("fasta", "", "path to the input FASTA file")
	gffPath   = flag.String("gff", "", "path to the input GFF3 file")
	outPrefix = flag.String("out-prefix", "", "prefix for the five output artifacts")
)

func main() {
	shutdown := grail.Init()
	defer shutdown()

	if *fastaPath == "" || *gffPath == "" || *outPrefix == "" {
		vlog.Fatalf("bio-refidx: --fasta, --gff, and --out-prefix are all required")
	}

	fastaIn, err := os.Open(*fastaPath)
	if err != nil {
		panic(errors.Wrapf(err, "bio-refidx: opening %v", *fastaPath).Error())
	}
	defer fastaIn.Close()

	vlog.VI(1).Infof("bio-refidx: indexing FASTA %s", *fastaPath)
	fastaArts, err := refidx.IndexFasta(fastaIn)
	if err != nil {
		panic(errors.Wrapf(err, "bio-refidx: indexing %v", *fastaPath).Error())
	}
	writeFile(*outPrefix+".fasta.bgz", fastaArts.Bgz)
	writeFile(*outPrefix+".fasta.fai", fastaArts.Fai)
	writeFile(*outPrefix+".fasta.gzi", fastaArts.Gzi)

	gffIn, err := os.Open(*gffPath)
	if err != nil {
		panic(errors.Wrapf(err, "bio-refidx: opening %v", *gffPath).Error())
	}
	defer gffIn.Close()

	vlog.VI(1).Infof("bio-refidx: indexing GFF3 %s", *gffPath)
	gffArts, err := refidx.IndexGFF3(gffIn)
	if err != nil {
		panic(errors.Wrapf(err, "bio-refidx: indexing %v", *gffPath).Error())
	}
	writeFile(*outPrefix+".gff.bgz", gffArts.Bgz)
	writeFile(*outPrefix+".gff.csi", gffArts.Csi)
}

func writeFile(path string, data []byte) {
	if err := ioutil.WriteFile(path, data, 0644); err != nil {
		panic(errors.Wrap(err, path).Error())
	}
}
