// Package logx wraps zerolog behind a small, service-aware logging facade.
//
// Components hold a Logger value; the Service can re-apply outputs and levels
// at runtime (config hot reload) without components reacquiring their logger.
package logx
