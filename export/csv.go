/*
Package export renders punch history for downstream consumers.

FORMATS:
  CSV: one row per applied punch, ordered by operation index then
       posting time. Columns:
         op_idx, operation, employee_number, employee_name,
         produced_qty, rejected_qty, posting_datetime

ARCHIVAL:
  S3Archiver uploads the CSV under
    <prefix>/punch-reports/YYYY/MM/DD/<order>.csv

SEE ALSO:
  - production/history.go: History grouping
*/
package export

import (
	"bytes"
	"encoding/csv"
	"io"
	"strconv"

	"github.com/warp/punch-ledger/generic"
	"github.com/warp/punch-ledger/production"
)

// Header is the CSV header row.
var Header = []string{
	"op_idx", "operation", "employee_number", "employee_name",
	"produced_qty", "rejected_qty", "posting_datetime",
}

// WriteCSV writes history as CSV to w.
func WriteCSV(w io.Writer, history production.History) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return err
	}
	for _, rec := range history.Flatten() {
		row := []string{
			strconv.Itoa(rec.OperationIndex),
			rec.OperationName,
			rec.ActorID,
			rec.ActorName,
			rec.Produced.String(),
			rec.Rejected.String(),
			generic.FormatTimestamp(rec.PostingTime),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// CSV returns history as CSV bytes.
func CSV(history production.History) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, history); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
