// Package framecmd defines the command stream consumed by a frame
// interpreter: an ordered list of drawing operations that refer to GPU
// resources by symbolic name rather than by native handle.
//
// # Overview
//
// A producer builds a [List] once per frame and hands its commands to
// [github.com/gogpu/framecmd/interp.Interpreter.Present], which creates the
// named resources on first use, tracks their states, records native commands
// and presents. The same names refer to the same resources across frames.
//
// # Quick Start
//
//	var l framecmd.List
//	l.SetBackbuffer(0, 640, 480)
//	l.Clear(framecmd.BackbufferName(0), 0, 0.2, 0.4, 1)
//	l.SetShader("basic", false, true, true)
//	l.SetVertices("quad_vb", vertices, 36)
//	l.SetIndex("quad_ib", []uint32{0, 1, 2, 2, 1, 3})
//	l.DrawIndexed("quad", 0, 6, 0)
//
// # Names
//
// Companion resources are located by derived names, which producers and the
// interpreter must agree on exactly:
//
//	BackbufferName(n)  "__backbuffer__" + n
//	DepthName(t)       t + "_depth"
//	MipName(t, i)      t + "_miplevel_" + i
//
// # Logging
//
// Nothing is logged by default. Install a logger with [SetLogger].
package framecmd
