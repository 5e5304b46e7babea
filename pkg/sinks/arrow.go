package sinks

import (
	"context"
	"os"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/ipc"
	"github.com/apache/arrow/go/v14/arrow/memory"

	"github.com/visionflow/visionflow/internal/model"
	verrors "github.com/visionflow/visionflow/pkg/errors"
	"github.com/visionflow/visionflow/pkg/node"
)

func init() {
	node.Register(node.Capabilities{
		Type:   "arrow_sink",
		Inputs: []node.Port{{Name: "in", Payload: model.KindEvent, Required: true}},
		Lane:   node.LaneAsync,
		Sink:   true,
	}, newArrowSink)
}

var eventArrowSchema = arrow.NewSchema([]arrow.Field{
	{Name: "event_id", Type: arrow.BinaryTypes.String, Nullable: false},
	{Name: "event_type", Type: arrow.BinaryTypes.String, Nullable: false},
	{Name: "track_id", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
	{Name: "zone_id", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "value", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
	{Name: "frame_seq", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
	{Name: "ts_unix_us", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
}, nil)

// arrowSink records events as Arrow IPC record batches, a format other
// analytics tools ingest without parsing.
type arrowSink struct {
	node.Base
	path      string
	batchSize int

	out    *os.File
	writer *ipc.Writer

	alloc       memory.Allocator
	idB         *array.StringBuilder
	typeB       *array.StringBuilder
	trackB      *array.Int64Builder
	zoneB       *array.StringBuilder
	valueB      *array.Int64Builder
	seqB        *array.Int64Builder
	tsB         *array.Int64Builder
	rowCount    int
	rowsWritten int64
}

func newArrowSink(id string, cfg map[string]any) (node.Node, error) {
	path := stringOr(cfg, "path", "")
	if path == "" {
		return nil, verrors.New(verrors.CodeSinkWrite, "arrow_sink requires a path").
			WithContext("node", id)
	}
	caps, _ := node.Default().Caps("arrow_sink")
	return &arrowSink{
		Base:      node.Base{NodeID: id, C: caps},
		path:      path,
		batchSize: intOr(cfg, "batch_size", 1024),
	}, nil
}

func (s *arrowSink) Setup(_ context.Context) error {
	f, err := os.Create(s.path)
	if err != nil {
		return verrors.Wrap(err, verrors.CodeSinkWrite, "create arrow file").
			WithContext("path", s.path)
	}
	s.out = f
	s.writer = ipc.NewWriter(f, ipc.WithSchema(eventArrowSchema))

	s.alloc = memory.NewGoAllocator()
	s.idB = array.NewStringBuilder(s.alloc)
	s.typeB = array.NewStringBuilder(s.alloc)
	s.trackB = array.NewInt64Builder(s.alloc)
	s.zoneB = array.NewStringBuilder(s.alloc)
	s.valueB = array.NewInt64Builder(s.alloc)
	s.seqB = array.NewInt64Builder(s.alloc)
	s.tsB = array.NewInt64Builder(s.alloc)
	return nil
}

func (s *arrowSink) Process(_ context.Context, _ *node.ExecContext, in node.Inputs) (node.Outputs, error) {
	evs := flatten(in["in"])
	for _, ev := range evs {
		s.idB.Append(ev.EventID)
		s.typeB.Append(string(ev.EventType))
		s.trackB.Append(ev.TrackID)
		if ev.ZoneID == "" {
			s.zoneB.AppendNull()
		} else {
			s.zoneB.Append(ev.ZoneID)
		}
		s.valueB.Append(ev.Value)
		s.seqB.Append(int64(ev.FrameSeq))
		s.tsB.Append(ev.Timestamp.UnixMicro())
		s.rowCount++
	}
	if s.rowCount >= s.batchSize {
		return nil, s.flush()
	}
	return nil, nil
}

func (s *arrowSink) flush() error {
	if s.rowCount == 0 {
		return nil
	}
	cols := []arrow.Array{
		s.idB.NewArray(),
		s.typeB.NewArray(),
		s.trackB.NewArray(),
		s.zoneB.NewArray(),
		s.valueB.NewArray(),
		s.seqB.NewArray(),
		s.tsB.NewArray(),
	}
	rec := array.NewRecord(eventArrowSchema, cols, int64(s.rowCount))
	err := s.writer.Write(rec)
	rec.Release()
	for _, c := range cols {
		c.Release()
	}
	if err != nil {
		return verrors.Wrap(err, verrors.CodeSinkWrite, "write arrow batch")
	}
	s.rowsWritten += int64(s.rowCount)
	s.SetMetric("rows_written", s.rowsWritten)
	s.rowCount = 0
	return nil
}

func (s *arrowSink) Teardown() error {
	if s.writer == nil {
		return nil
	}
	err := s.flush()
	if cerr := s.writer.Close(); err == nil {
		err = cerr
	}
	if cerr := s.out.Close(); err == nil {
		err = cerr
	}
	return err
}
