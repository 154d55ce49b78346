package main

/*
WHAT'S GOING ON HERE?

Per-epoch training metrics and two ways to keep them after a run:

  - WriteTSV: one row per epoch, easy to load into anything
  - SaveHTML: a self-contained page with one line chart per loss term

Both go through grailbio/base/file, so the destination may be local or S3.
*/

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
)

// EpochMetrics holds the epoch means of each loss term.
type EpochMetrics struct {
	Epoch int
	LR    float64
	Loss  float64 // total objective
	Rec   float64 // reconstruction SSE
	KL    float64
	Cycle float64 // cycle-consistency SSE
}

func (e EpochMetrics) String() string {
	return fmt.Sprintf("epoch %d lr %.2e loss %.4f recon %.4f kl %.4f cycle %.4f",
		e.Epoch, e.LR, e.Loss, e.Rec, e.KL, e.Cycle)
}

// TrainingMetrics stores metrics collected during training.
type TrainingMetrics struct {
	Epochs []EpochMetrics
}

// NewTrainingMetrics creates an empty tracker.
func NewTrainingMetrics() *TrainingMetrics {
	return &TrainingMetrics{}
}

// Record appends one epoch.
func (m *TrainingMetrics) Record(e EpochMetrics) {
	m.Epochs = append(m.Epochs, e)
}

// Last returns the most recent epoch, or false if nothing was recorded.
func (m *TrainingMetrics) Last() (EpochMetrics, bool) {
	if len(m.Epochs) == 0 {
		return EpochMetrics{}, false
	}
	return m.Epochs[len(m.Epochs)-1], true
}

// WriteTSV writes one row per epoch.
func (m *TrainingMetrics) WriteTSV(ctx context.Context, path string) (err error) {
	f, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "create metrics", path)
	}
	defer file.CloseAndReport(ctx, f, &err)

	w := tsv.NewWriter(f.Writer(ctx))
	w.WriteString("epoch\tlr\tloss\trecon_loss\tkl_loss\tcycle_loss")
	if err = w.EndLine(); err != nil {
		return err
	}
	for _, e := range m.Epochs {
		w.WriteInt64(int64(e.Epoch))
		for _, v := range []float64{e.LR, e.Loss, e.Rec, e.KL, e.Cycle} {
			w.WriteFloat64(v, 'g', 8)
		}
		if err = w.EndLine(); err != nil {
			return err
		}
	}
	return w.Flush()
}

// SaveHTML writes a self-contained HTML page with loss curves.
func (m *TrainingMetrics) SaveHTML(ctx context.Context, path string) (err error) {
	if len(m.Epochs) == 0 {
		return errors.E(errors.Invalid, "no metrics to save")
	}

	series := []struct {
		id, title, color string
		get              func(EpochMetrics) float64
	}{
		{"loss", "Total loss", "#58a6ff", func(e EpochMetrics) float64 { return e.Loss }},
		{"rec", "Reconstruction", "#56d364", func(e EpochMetrics) float64 { return e.Rec }},
		{"kl", "KL divergence", "#e3b341", func(e EpochMetrics) float64 { return e.KL }},
		{"cycle", "Cycle consistency", "#f778ba", func(e EpochMetrics) float64 { return e.Cycle }},
	}

	var canvases, calls strings.Builder
	for _, s := range series {
		vals := make([]float64, len(m.Epochs))
		for i, e := range m.Epochs {
			vals[i] = s.get(e)
		}
		fmt.Fprintf(&canvases, "<div class=\"chart\"><h2>%s</h2><canvas id=%q></canvas></div>\n", s.title, s.id)
		fmt.Fprintf(&calls, "draw(%q, %s, %q);\n", s.id, formatJSArrayFloat(vals), s.color)
	}

	last, _ := m.Last()
	page := fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<title>scOTC training</title>
<style>
body { font-family: sans-serif; background: #0d1117; color: #c9d1d9; padding: 20px; }
.chart { background: #161b22; border: 1px solid #30363d; border-radius: 6px; padding: 12px; margin-bottom: 16px; }
canvas { width: 100%%; height: 260px; }
h2 { font-size: 16px; }
</style>
</head>
<body>
<h1>scOTC training</h1>
<p>%d epochs, final loss %.4f</p>
%s
<script>
function draw(id, data, color) {
  const canvas = document.getElementById(id);
  const ctx = canvas.getContext('2d');
  const dpr = window.devicePixelRatio || 1;
  const rect = canvas.getBoundingClientRect();
  canvas.width = rect.width * dpr;
  canvas.height = rect.height * dpr;
  ctx.scale(dpr, dpr);
  const w = rect.width, h = rect.height, pad = 40;
  const min = Math.min(...data), max = Math.max(...data);
  const span = (max - min) || 1;
  ctx.strokeStyle = color;
  ctx.lineWidth = 2;
  ctx.beginPath();
  data.forEach((v, i) => {
    const x = pad + (w - 2 * pad) * (data.length > 1 ? i / (data.length - 1) : 0);
    const y = h - pad - (h - 2 * pad) * (v - min) / span;
    if (i === 0) { ctx.moveTo(x, y); } else { ctx.lineTo(x, y); }
  });
  ctx.stroke();
  ctx.fillStyle = '#8b949e';
  ctx.fillText(max.toPrecision(4), 4, pad);
  ctx.fillText(min.toPrecision(4), 4, h - pad);
}
%s
</script>
</body>
</html>
`, len(m.Epochs), last.Loss, canvases.String(), calls.String())

	f, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "create report", path)
	}
	defer file.CloseAndReport(ctx, f, &err)
	_, err = f.Writer(ctx).Write([]byte(page))
	return err
}

// formatJSArrayFloat formats floats as a JavaScript array literal.
// Non-finite values become null so the page still parses.
func formatJSArrayFloat(arr []float64) string {
	parts := make([]string, len(arr))
	for i, v := range arr {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			parts[i] = "null"
			continue
		}
		parts[i] = fmt.Sprintf("%.6g", v)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
