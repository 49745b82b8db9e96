package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/kwv/kabschmesh/mesh"
)

// outputFormat renders one rig snapshot in a single file format
type outputFormat struct {
	ext         string
	contentType string
	render      func(w io.Writer, snap mesh.RigSnapshot, cfg *mesh.Config, projection string) error
}

var outputFormats = map[string]outputFormat{
	"svg": {
		ext:         ".svg",
		contentType: "image/svg+xml",
		render: func(w io.Writer, snap mesh.RigSnapshot, cfg *mesh.Config, projection string) error {
			return vectorRenderer(snap, cfg, projection).RenderToSVG(w)
		},
	},
	"png": {
		ext:         ".png",
		contentType: "image/png",
		render: func(w io.Writer, snap mesh.RigSnapshot, cfg *mesh.Config, projection string) error {
			return vectorRenderer(snap, cfg, projection).RenderToPNG(w)
		},
	},
	"cube": {
		ext:         ".png",
		contentType: "image/png",
		render: func(w io.Writer, snap mesh.RigSnapshot, _ *mesh.Config, _ string) error {
			return mesh.WriteCubePNG(w, snap, mesh.DefaultPreviewOptions())
		},
	},
	"plot": {
		ext:         ".png",
		contentType: "image/png",
		render: func(w io.Writer, snap mesh.RigSnapshot, _ *mesh.Config, _ string) error {
			wt, err := mesh.PlotConvergence(snap, 640, 480, "png")
			if err != nil {
				return err
			}
			_, err = wt.WriteTo(w)
			return err
		},
	},
	"geojson": {
		ext:         ".geojson",
		contentType: "application/geo+json",
		render: func(w io.Writer, snap mesh.RigSnapshot, cfg *mesh.Config, projection string) error {
			fc := mesh.SnapshotToFeatureCollection(snap, effectiveProjection(cfg, projection))
			data, err := json.MarshalIndent(fc, "", "  ")
			if err != nil {
				return fmt.Errorf("encoding GeoJSON: %w", err)
			}
			_, err = w.Write(data)
			return err
		},
	},
}

func formatNames() string {
	names := make([]string, 0, len(outputFormats))
	for name := range outputFormats {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

func lookupFormat(name string) (outputFormat, error) {
	f, ok := outputFormats[name]
	if !ok {
		return outputFormat{}, fmt.Errorf("invalid format %q (must be one of %s)", name, formatNames())
	}
	return f, nil
}

// effectiveProjection prefers the CLI/query value over the config file
func effectiveProjection(cfg *mesh.Config, projection string) string {
	if projection != "" {
		return projection
	}
	if cfg != nil && cfg.Projection != "" {
		return cfg.Projection
	}
	return mesh.ProjectionXZ
}

func validProjection(p string) bool {
	switch p {
	case "", mesh.ProjectionXZ, mesh.ProjectionXY, mesh.ProjectionZY:
		return true
	}
	return false
}

func vectorRenderer(snap mesh.RigSnapshot, cfg *mesh.Config, projection string) *mesh.VectorRenderer {
	r := mesh.NewVectorRendererFromConfig(snap, cfg)
	r.Projection = effectiveProjection(cfg, projection)
	return r
}
