/*Command bio-refidx prepares a BGZF-compressed, indexed reference pair from
  a plain FASTA and a plain GFF3 file: fasta.bgz/fasta.fai/fasta.gzi from the
  FASTA, and gff.bgz/gff.csi (sorted, tabix -C -p gff preset) from the GFF3.

  Usage: bio-refidx --fasta=ref.fa --gff=genes.gff3 --out-prefix=/tmp/ref
*/
package main
