// Package dlib is the optional vision engine on dlib through go-face. The
// engine needs the dlib headers and libraries and is compiled only with the
// dlib build tag; other builds get a stub whose New fails.
package dlib
