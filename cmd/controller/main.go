// Copyright 2025 The Kestrel Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command controller runs a demo kestrel pipeline against one resource
// type: it watches the configured GroupVersionResource and logs every
// reconciled object. It exists to exercise the runtime end to end and as a
// template for real controllers.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"time"

	"github.com/go-logr/logr"
	"go.uber.org/zap/zapcore"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"github.com/kestrel-run/kestrel/pkg/cache"
	"github.com/kestrel-run/kestrel/pkg/controller"
	"github.com/kestrel-run/kestrel/pkg/requeue"
	"github.com/kestrel-run/kestrel/pkg/runtime"
	"github.com/kestrel-run/kestrel/pkg/watch"
)

var setupLog = ctrl.Log.WithName("setup")

type customLevelEnabler struct {
	level int
}

func (c customLevelEnabler) Enabled(lvl zapcore.Level) bool {
	return -int(lvl) <= c.level
}

func main() {
	var (
		kubeconfig    string
		group         string
		version       string
		resource      string
		namespace     string
		labelSelector string
		fieldSelector string
		metricsAddr   string
		workers       int
		// watcher parameters
		watchInitialBackoff time.Duration
		watchMaxBackoff     time.Duration
		relistThreshold     int
		// retry parameters
		minRetryDelay time.Duration
		maxRetryDelay time.Duration
		maxRetries    int
		rateLimit     float64
		burstLimit    int
		logLevel      int
		qps           float64
		burst         int
	)

	flag.StringVar(&kubeconfig, "kubeconfig", "", "Path to a kubeconfig file. Empty means in-cluster configuration.")
	flag.StringVar(&group, "group", "", "API group of the resource to watch.")
	flag.StringVar(&version, "version", "v1", "API version of the resource to watch.")
	flag.StringVar(&resource, "resource", "configmaps", "Plural resource name to watch.")
	flag.StringVar(&namespace, "namespace", "", "Namespace to watch. Empty means all namespaces.")
	flag.StringVar(&labelSelector, "label-selector", "", "Label selector restricting the watched objects.")
	flag.StringVar(&fieldSelector, "field-selector", "", "Field selector restricting the watched objects.")
	flag.StringVar(&metricsAddr, "metrics-bind-address", ":8078", "The address the metric endpoint binds to.")
	flag.IntVar(&workers, "concurrent-reconciles", 1, "The number of reconciles to run in parallel.")

	flag.DurationVar(&watchInitialBackoff, "watch-initial-backoff", 500*time.Millisecond,
		"Initial delay before retrying a failed watch.")
	flag.DurationVar(&watchMaxBackoff, "watch-max-backoff", 30*time.Second,
		"Maximum delay between watch retries.")
	flag.IntVar(&relistThreshold, "watch-relist-threshold", 3,
		"Number of distinct transient watch errors that forces a full relist. Negative disables.")

	flag.DurationVar(&minRetryDelay, "retry-min-delay", 200*time.Millisecond,
		"Minimum delay before retrying a failed reconcile.")
	flag.DurationVar(&maxRetryDelay, "retry-max-delay", 1000*time.Second,
		"Maximum delay before retrying a failed reconcile.")
	flag.IntVar(&maxRetries, "retry-max-attempts", 20,
		"Maximum number of consecutive reconcile failures before an object is dropped from the retry schedule.")
	flag.Float64Var(&rateLimit, "rate-limit", 10,
		"Maximum number of reconcile admissions per second. Zero disables.")
	flag.IntVar(&burstLimit, "burst-limit", 100,
		"Burst size for the reconcile admission rate limiter.")
	flag.IntVar(&logLevel, "log-level", 10, "The log level verbosity. 0 is the least verbose.")
	flag.Float64Var(&qps, "client-qps", 100, "The number of queries per second to allow.")
	flag.IntVar(&burst, "client-burst", 150,
		"The number of requests that can be stored for processing before the server starts enforcing the QPS limit.")

	flag.Parse()

	opts := zap.Options{
		Development: true,
		Level:       customLevelEnabler{level: logLevel},
		TimeEncoder: zapcore.ISO8601TimeEncoder,
	}
	rootLogger := zap.New(zap.UseFlagOptions(&opts))
	ctrl.SetLogger(rootLogger)

	restConfig, err := buildRESTConfig(kubeconfig)
	if err != nil {
		setupLog.Error(err, "unable to load cluster configuration")
		os.Exit(1)
	}
	restConfig.QPS = float32(qps)
	restConfig.Burst = burst

	client, err := dynamic.NewForConfig(restConfig)
	if err != nil {
		setupLog.Error(err, "unable to create dynamic client")
		os.Exit(1)
	}

	gvr := schema.GroupVersionResource{Group: group, Version: version, Resource: resource}
	lw, err := watch.NewDynamicListerWatcher(client, gvr, namespace, labelSelector, fieldSelector)
	if err != nil {
		setupLog.Error(err, "invalid watch configuration", "gvr", gvr.String())
		os.Exit(1)
	}

	log := rootLogger.WithValues("gvr", gvr.String())
	rt := runtime.New(lw, logReconciler(log), runtime.Options{
		Log: rootLogger,
		Watch: watch.Config{
			InitialBackoff:  watchInitialBackoff,
			MaxBackoff:      watchMaxBackoff,
			RelistThreshold: relistThreshold,
		},
		Controller: controller.Config{
			MaxConcurrentReconciles: workers,
			MinBackoff:              minRetryDelay,
			MaxBackoff:              maxRetryDelay,
			MaxRetries:              maxRetries,
			RateLimit:               rateLimit,
			BurstLimit:              burstLimit,
		},
	})

	ctx := ctrl.SetupSignalHandler()

	metricsSrv, err := metricsserver.NewServer(metricsserver.Options{BindAddress: metricsAddr}, nil, nil)
	if err != nil {
		setupLog.Error(err, "unable to create metrics server")
		os.Exit(1)
	}
	if metricsSrv != nil {
		go func() {
			if err := metricsSrv.Start(ctx); err != nil {
				setupLog.Error(err, "metrics server failed")
			}
		}()
	}

	if err := rt.Run(ctx); err != nil {
		setupLog.Error(err, "pipeline failed")
		os.Exit(1)
	}
}

// logReconciler returns a reconcile function that records the observed
// object state. Real controllers replace this with their own logic.
func logReconciler(log logr.Logger) controller.Reconciler {
	return func(_ context.Context, obj cache.Object) (requeue.Result, error) {
		log.Info("Reconciled object",
			"namespace", obj.GetNamespace(),
			"name", obj.GetName(),
			"resourceVersion", obj.GetResourceVersion(),
		)
		return requeue.Result{}, nil
	}
}

func buildRESTConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig != "" {
		return clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if cfg, err := rest.InClusterConfig(); err == nil {
		return cfg, nil
	} else if !errors.Is(err, rest.ErrNotInCluster) {
		return nil, err
	}
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, nil).ClientConfig()
}
